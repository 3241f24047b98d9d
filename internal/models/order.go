package models

import "fmt"

// Order is the typed record exchanged between Producer and Consumer.
type Order struct {
	Name    string
	Zip     int
	Product string
}

// Payload renders the order in the Producer output schema.
func (o Order) Payload() Payload {
	return Payload{
		FieldName:    o.Name,
		FieldZip:     o.Zip,
		FieldProduct: o.Product,
	}
}

// MissingFieldError reports a required payload field that is absent.
type MissingFieldError struct {
	Field string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("missing field %q", e.Field)
}

// InvalidFieldError reports a field that is present but cannot be decoded.
type InvalidFieldError struct {
	Field string
	Err   error
}

func (e *InvalidFieldError) Error() string {
	return fmt.Sprintf("invalid field %q: %v", e.Field, e.Err)
}

func (e *InvalidFieldError) Unwrap() error { return e.Err }

// DecodeOrder reads Name, Zip and Product in that order, failing on the first absent field.
func DecodeOrder(p Payload) (Order, error) {
	var o Order
	name, ok := p.String(FieldName)
	if !ok {
		return o, &MissingFieldError{Field: FieldName}
	}
	zip, present, err := p.Int(FieldZip)
	if !present {
		return o, &MissingFieldError{Field: FieldZip}
	}
	product, ok := p.String(FieldProduct)
	if !ok {
		return o, &MissingFieldError{Field: FieldProduct}
	}
	if err != nil {
		return o, &InvalidFieldError{Field: FieldZip, Err: err}
	}
	o.Name, o.Zip, o.Product = name, zip, product
	return o, nil
}
