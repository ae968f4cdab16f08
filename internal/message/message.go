// Package message decodes job envelopes: request_id, type and type-specific
// fields joined by a configured separator.
package message

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"geolake/internal/query"
	"geolake/internal/workflow"
)

var (
	ErrContentShape    = errors.New("improper message content")
	ErrUnsupportedType = errors.New("unsupported message type")
	ErrRequestID       = errors.New("invalid request id")
)

// Unknown is the dataset and product id of a message until they are resolved.
const Unknown = "<unknown>"

// Type tells query jobs from workflow jobs.
type Type string

const (
	TypeQuery    Type = "query"
	TypeWorkflow Type = "workflow"
)

// Message is one decoded job. Exactly one of Query and Workflow is set.
type Message struct {
	RequestID int64
	DatasetID string
	ProductID string
	Type      Type
	Query     *query.Query
	Workflow  *workflow.Workflow
}

// DecodeError reports a payload that could not be decoded. RequestID is set
// when the first field parsed, so the failure can still reach the ledger.
type DecodeError struct {
	RequestID int64
	HasID     bool
	Err       error
}

func (e *DecodeError) Error() string {
	if e.HasID {
		return fmt.Sprintf("decode message for request %d: %v", e.RequestID, e.Err)
	}
	return fmt.Sprintf("decode message: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Decode parses payload. Any failure is a *DecodeError.
func Decode(payload []byte, sep string) (*Message, error) {
	parts := strings.Split(string(payload), sep)
	if len(parts) < 2 {
		return nil, &DecodeError{Err: fmt.Errorf("%w: expected at least 2 fields, got %d", ErrContentShape, len(parts))}
	}
	id, err := strconv.ParseInt(strings.TrimSpace(parts[0]), 10, 64)
	if err != nil {
		return nil, &DecodeError{Err: fmt.Errorf("%w: %q", ErrRequestID, parts[0])}
	}
	fail := func(err error) (*Message, error) {
		return nil, &DecodeError{RequestID: id, HasID: true, Err: err}
	}

	msg := &Message{RequestID: id, DatasetID: Unknown, ProductID: Unknown, Type: Type(parts[1])}
	rest := parts[2:]
	switch msg.Type {
	case TypeQuery:
		if len(rest) != 3 {
			return fail(fmt.Errorf("%w: query message needs 3 fields, got %d", ErrContentShape, len(rest)))
		}
		msg.DatasetID, msg.ProductID = rest[0], rest[1]
		if msg.Query, err = query.Parse([]byte(rest[2])); err != nil {
			return fail(err)
		}
	case TypeWorkflow:
		if len(rest) != 1 {
			return fail(fmt.Errorf("%w: workflow message needs 1 field, got %d", ErrContentShape, len(rest)))
		}
		if msg.Workflow, err = workflow.Parse([]byte(rest[0])); err != nil {
			return fail(err)
		}
		msg.DatasetID, msg.ProductID = msg.Workflow.DatasetID, msg.Workflow.ProductID
	default:
		return fail(fmt.Errorf("%w: %q", ErrUnsupportedType, parts[1]))
	}
	return msg, nil
}

// EncodeQuery builds a query envelope.
func EncodeQuery(sep string, requestID int64, datasetID, productID string, queryJSON []byte) []byte {
	return []byte(strings.Join([]string{
		strconv.FormatInt(requestID, 10), string(TypeQuery), datasetID, productID, string(queryJSON),
	}, sep))
}

// EncodeWorkflow builds a workflow envelope.
func EncodeWorkflow(sep string, requestID int64, workflowJSON []byte) []byte {
	return []byte(strings.Join([]string{
		strconv.FormatInt(requestID, 10), string(TypeWorkflow), string(workflowJSON),
	}, sep))
}

// RecoverRequestID extracts the request id of a payload that failed to decode.
func RecoverRequestID(err error) (int64, bool) {
	var de *DecodeError
	if errors.As(err, &de) && de.HasID {
		return de.RequestID, true
	}
	return 0, false
}
