package models

import "fmt"

// FailureKind classifies why an item failed.
type FailureKind string

const (
	KindBusiness    FailureKind = "BUSINESS"
	KindApplication FailureKind = "APPLICATION"
)

// Failure codes recorded on failed items.
const (
	CodeNoOutputs       = "NO_OUTPUTS"
	CodeInputUnreadable = "INPUT_UNREADABLE"
	CodeMissingField    = "MISSING_FIELD"
	CodeInvalidField    = "INVALID_FIELD"
	CodeInvalidOrder    = "INVALID_ORDER"
)

// Failure is the classified reason attached to a failed item.
type Failure struct {
	Kind    FailureKind `json:"type"`
	Code    string      `json:"code"`
	Message string      `json:"message"`
}

// ClassifiedError carries a Failure through an error return.
type ClassifiedError struct {
	Failure Failure
}

func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s/%s: %s", e.Failure.Kind, e.Failure.Code, e.Failure.Message)
}

// BusinessError builds a domain-rule violation.
func BusinessError(code, message string) *ClassifiedError {
	return &ClassifiedError{Failure: Failure{Kind: KindBusiness, Code: code, Message: message}}
}

// ApplicationError builds a malformed-input failure.
func ApplicationError(code, message string) *ClassifiedError {
	return &ClassifiedError{Failure: Failure{Kind: KindApplication, Code: code, Message: message}}
}
