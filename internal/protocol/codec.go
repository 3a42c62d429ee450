package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ErrInvalidMessage is wrapped by every decode or validation failure.
var ErrInvalidMessage = errors.New("invalid message")

// NewScanRequestID generates the id shared by all requests of one dispatch.
func NewScanRequestID() string {
	return uuid.New().String()
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidMessage, fmt.Sprintf(format, args...))
}

func (r ScanRequest) Validate() error {
	if err := validateCorrelation(r.ScanRequestID, r.HostID); err != nil {
		return err
	}
	if strings.TrimSpace(r.HostAddress) == "" {
		return invalid("host_address is required")
	}
	return nil
}

func (r ScanResponse) Validate() error {
	if err := validateCorrelation(r.ScanRequestID, r.HostID); err != nil {
		return err
	}
	if r.Status != ResponseCompleted && r.Status != ResponseFailed {
		return invalid("unknown response status %q", r.Status)
	}
	for _, v := range r.RuleResults {
		switch v.Status {
		case "passed", "failed", "skipped", "error":
		default:
			return invalid("rule %d: unknown status %q", v.RuleID, v.Status)
		}
	}
	return nil
}

func validateCorrelation(id string, hostID int64) error {
	if id == "" {
		return invalid("scan_request_id is required")
	}
	if _, err := uuid.Parse(id); err != nil {
		return invalid("scan_request_id %q is not a uuid", id)
	}
	if hostID <= 0 {
		return invalid("host_id is required")
	}
	return nil
}

// EncodeRequest validates and wraps a request in its envelope.
func EncodeRequest(r ScanRequest) ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return encode(TypeScanRequest, r)
}

// EncodeResponse validates and wraps a response in its envelope.
func EncodeResponse(r ScanResponse) ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return encode(TypeScanResponse, r)
}

func encode(msgType string, v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", msgType, err)
	}
	return json.Marshal(Envelope{Type: msgType, Data: data})
}

// DecodeRequest unwraps and validates a scan.request payload.
func DecodeRequest(payload []byte) (ScanRequest, error) {
	var r ScanRequest
	if err := decode(payload, TypeScanRequest, &r); err != nil {
		return ScanRequest{}, err
	}
	return r, r.Validate()
}

// DecodeResponse unwraps and validates a scan.response payload.
func DecodeResponse(payload []byte) (ScanResponse, error) {
	var r ScanResponse
	if err := decode(payload, TypeScanResponse, &r); err != nil {
		return ScanResponse{}, err
	}
	return r, r.Validate()
}

func decode(payload []byte, want string, out any) error {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return invalid("envelope: %v", err)
	}
	if env.Type != want {
		return invalid("unexpected type %q, want %q", env.Type, want)
	}
	if len(env.Data) == 0 {
		return invalid("empty data")
	}
	dec := json.NewDecoder(bytes.NewReader(env.Data))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return invalid("%s data: %v", want, err)
	}
	return nil
}
