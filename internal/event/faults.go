package event

import "fmt"

// FaultKind classifies terminal and non-terminal failures across the pipeline.
type FaultKind string

const (
	FaultLink                FaultKind = "link_error"
	FaultUpstreamAuth        FaultKind = "upstream_auth_error"
	FaultCapture             FaultKind = "capture_error"
	FaultAnalysis            FaultKind = "analysis_error"
	FaultSynthesis           FaultKind = "synthesis_error"
	FaultAdmissionRejected   FaultKind = "admission_rejected"
	FaultCorrelationMismatch FaultKind = "correlation_mismatch"
)

// Fault carries a classified error through the pipeline. Message is internal
// detail for logs; user-facing output always goes through FallbackMessage.
type Fault struct {
	Kind    FaultKind
	Message string
	Cause   error
}

func (f *Fault) Error() string {
	if f.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", f.Kind, f.Message, f.Cause)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

func (f *Fault) Unwrap() error { return f.Cause }

// NewFault wraps cause with a classification.
func NewFault(kind FaultKind, msg string, cause error) *Fault {
	return &Fault{Kind: kind, Message: msg, Cause: cause}
}

// Terminal reports whether a fault of this kind ends the owning session.
// Admission rejections and correlation mismatches are control-flow outcomes,
// logged but never surfaced.
func (k FaultKind) Terminal() bool {
	switch k {
	case FaultAdmissionRejected, FaultCorrelationMismatch:
		return false
	}
	return true
}

// fallbackMessages maps fault kinds to the sanitized text spoken to the user.
// Raw upstream error strings never leave the process.
var fallbackMessages = map[FaultKind]string{
	FaultLink:         "Connection lost, please try again",
	FaultUpstreamAuth: "Service unavailable, please check the configuration",
	FaultCapture:      "Camera unavailable, please try again",
	FaultAnalysis:     "I couldn't analyze the image, please try again",
	FaultSynthesis:    "Audio system error",
}

// FallbackMessage returns the stage-specific user-facing text for a fault kind.
func FallbackMessage(kind FaultKind) string {
	if msg, ok := fallbackMessages[kind]; ok {
		return msg
	}
	return "System error, please try again"
}

// FallbackMessage returns the sanitized user-facing text for this fault.
func (f *Fault) FallbackMessage() string { return FallbackMessage(f.Kind) }
