package errors

import "reflect"

// Classifier lets an error override the class Classify would otherwise
// derive by reflection — used where the domain has a more meaningful
// name than the Go type, e.g. an unresolved worker class.
type Classifier interface {
	Class() string
}

// Classify derives a stable (class, message) pair from an arbitrary
// error for storage on a job's error_class/error_message fields. A
// *PanicError reports its recovered value's type, an error implementing
// Classifier reports its own class, and anything else reports its
// concrete Go type name.
func Classify(err error) (class string, message string) {
	if err == nil {
		return "", ""
	}
	if pe, ok := err.(*PanicError); ok {
		return reflect.TypeOf(pe.Value).String(), pe.Error()
	}
	if c, ok := err.(Classifier); ok {
		return c.Class(), err.Error()
	}
	t := reflect.TypeOf(err)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	name := t.Name()
	if name == "" {
		name = t.String()
	}
	if t.PkgPath() != "" {
		name = t.PkgPath() + "." + name
	}
	return name, err.Error()
}
