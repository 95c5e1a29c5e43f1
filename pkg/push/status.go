package push

import (
	"encoding/json"
	"fmt"
)

// StatusCode tags a Status variant.
type StatusCode string

const (
	StatusSubscribed   StatusCode = "subscribed"
	StatusUnsubscribed StatusCode = "unsubscribed"
	StatusError        StatusCode = "error"
	StatusNotSupported StatusCode = "not_supported"
	StatusNotAsked     StatusCode = "not_asked"
)

// Status is the single value reported to the UI for every push operation.
// Subscription is set for Subscribed and optionally for Unsubscribed (the
// subscription that was removed). Error is set only for StatusError.
type Status struct {
	Code         StatusCode    `json:"status"`
	Subscription *Subscription `json:"subscription,omitempty"`
	Error        ErrorKind     `json:"error,omitempty"`
}

func Subscribed(sub Subscription) Status {
	return Status{Code: StatusSubscribed, Subscription: &sub}
}

// Unsubscribed reports no active subscription. removed may be nil.
func Unsubscribed(removed *Subscription) Status {
	return Status{Code: StatusUnsubscribed, Subscription: removed}
}

func Failed(kind ErrorKind) Status {
	return Status{Code: StatusError, Error: kind}
}

func NotSupported() Status { return Status{Code: StatusNotSupported} }

func NotAsked() Status { return Status{Code: StatusNotAsked} }

func (s Status) IsSubscribed() bool { return s.Code == StatusSubscribed }

func (s Status) String() string {
	if s.Code == StatusError {
		return fmt.Sprintf("%s(%s)", s.Code, s.Error)
	}
	return string(s.Code)
}

// UnmarshalJSON rejects unknown tags and variants missing their payload.
func (s *Status) UnmarshalJSON(data []byte) error {
	type raw Status
	var r raw
	if err := json.Unmarshal(data, &r); err != nil {
		return err
	}
	switch r.Code {
	case StatusSubscribed:
		if r.Subscription == nil {
			return fmt.Errorf("push status %q requires a subscription", r.Code)
		}
	case StatusError:
		if r.Error == "" {
			return fmt.Errorf("push status %q requires an error kind", r.Code)
		}
	case StatusUnsubscribed, StatusNotSupported, StatusNotAsked:
	default:
		return fmt.Errorf("unknown push status %q", r.Code)
	}
	*s = Status(r)
	return nil
}
