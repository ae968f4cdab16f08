package worker

import (
	"context"
	"errors"
	"io/fs"

	"geolake/internal/catalog"
	"geolake/internal/geo"
	"geolake/internal/message"
	"geolake/internal/persist"
	"geolake/internal/query"
	"geolake/internal/workflow"
)

var errorKinds = []struct {
	err  error
	kind string
}{
	{catalog.ErrMissingEntry, "MissingEntry"},
	{message.ErrContentShape, "ContentShape"},
	{message.ErrUnsupportedType, "UnsupportedType"},
	{message.ErrRequestID, "InvalidRequestID"},
	{query.ErrInvalidQuery, "InvalidQuery"},
	{workflow.ErrInvalidWorkflow, "InvalidWorkflow"},
	{workflow.ErrUnknownOperator, "UnknownOperator"},
	{geo.ErrUnknownVariable, "UnknownVariable"},
	{geo.ErrUnknownAttribute, "UnknownAttribute"},
	{geo.ErrMissingDimension, "MissingDimension"},
	{geo.ErrUnsupportedFormat, "UnsupportedFormat"},
	{persist.ErrEmptyResult, "EmptyResult"},
	{errPanic, "Panic"},
	{context.Canceled, "Canceled"},
	{context.DeadlineExceeded, "DeadlineExceeded"},
}

// FailReason renders err as "{kind}: {message}" for the ledger.
func FailReason(err error) string {
	return errorKind(err) + ": " + err.Error()
}

func errorKind(err error) string {
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	var pathErr *fs.PathError
	if errors.As(err, &pathErr) {
		return "IOError"
	}
	return "Error"
}
