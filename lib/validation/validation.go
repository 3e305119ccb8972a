// Package validation provides reusable input validation functions for the wgcontrol API.
// All validators follow a consistent pattern: they return nil on success and a descriptive
// error on failure. Errors are designed to be safe to return to clients (no internal details).
//
// Every sentinel wraps errors.ErrInvalidInput from lib/errors so that handlers map
// validation failures to a client error without inspecting them further.
package validation

import (
	"fmt"
	"net"
	"net/netip"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	apperrors "github.com/wgcontrol/wgcontrol/lib/errors"
)

// Common validation errors. These are sentinel errors that can be checked with errors.Is().
var (
	// ErrRequired indicates a required field is missing or empty.
	ErrRequired = fmt.Errorf("field is required: %w", apperrors.ErrInvalidInput)

	// ErrTooLong indicates a string exceeds the maximum length.
	ErrTooLong = fmt.Errorf("value exceeds maximum length: %w", apperrors.ErrInvalidInput)

	// ErrTooShort indicates a string is below the minimum length.
	ErrTooShort = fmt.Errorf("value is below minimum length: %w", apperrors.ErrInvalidInput)

	// ErrInvalidFormat indicates a value doesn't match the expected format.
	ErrInvalidFormat = fmt.Errorf("invalid format: %w", apperrors.ErrInvalidInput)

	// ErrOutOfRange indicates a numeric value is outside the allowed range.
	ErrOutOfRange = fmt.Errorf("value out of range: %w", apperrors.ErrInvalidInput)

)

// Constraints for common field types.
const (
	// MaxPeerNameLength is the maximum length for peer display names.
	MaxPeerNameLength = 64

	// MaxInterfaceNameLength is the kernel limit for interface names (IFNAMSIZ - 1).
	MaxInterfaceNameLength = 15

	// MaxOriginLength is the maximum length for an allowed CORS origin.
	MaxOriginLength = 256

	// PublicKeyLength is the length of a base64 encoded WireGuard key.
	PublicKeyLength = 44

	// MinPasskeyLength matches the minimum passphrase accepted by lib/secret.
	MinPasskeyLength = 8

	// MinRotationMinutes and MaxRotationMinutes bound the token rotation interval.
	MinRotationMinutes = 1
	MaxRotationMinutes = 24 * 60

	// MaxHostnameLength is the DNS limit for a host name.
	MaxHostnameLength = 253

	// Engine command timeout bounds.
	MinCommandTimeout = time.Second
	MaxCommandTimeout = 5 * time.Minute

	// Inactive record retention bounds. Zero, meaning keep forever, is checked by callers.
	MinRetention = time.Hour
	MaxRetention = 10 * 365 * 24 * time.Hour
)

// interfaceNamePattern matches names wg-quick accepts.
var interfaceNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_=+.-]+$`)

// hostnamePattern matches dot separated DNS labels.
var hostnamePattern = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?(\.[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?)*$`)

// Result represents a validation result with field context.
type Result struct {
	Field   string
	Message string
	Err     error
}

// Error implements the error interface.
func (r *Result) Error() string {
	if r.Field != "" {
		return fmt.Sprintf("%s: %s", r.Field, r.Message)
	}
	return r.Message
}

// Unwrap returns the underlying error for errors.Is() support.
func (r *Result) Unwrap() error {
	return r.Err
}

// NewResult creates a validation result.
func NewResult(field, message string, err error) *Result {
	return &Result{
		Field:   field,
		Message: message,
		Err:     err,
	}
}

// Required validates that a string is non-empty.
func Required(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return NewResult(field, "is required", ErrRequired)
	}
	return nil
}

// MaxLength validates that a string doesn't exceed the maximum length.
func MaxLength(field, value string, max int) error {
	if utf8.RuneCountInString(value) > max {
		return NewResult(field, fmt.Sprintf("exceeds maximum length of %d characters", max), ErrTooLong)
	}
	return nil
}

// MinLength validates that a string meets the minimum length.
func MinLength(field, value string, min int) error {
	if utf8.RuneCountInString(value) < min {
		return NewResult(field, fmt.Sprintf("must be at least %d characters", min), ErrTooShort)
	}
	return nil
}

// IntRange validates that an integer is within the given range (inclusive).
func IntRange(field string, value, min, max int) error {
	if value < min || value > max {
		return NewResult(field, fmt.Sprintf("must be between %d and %d", min, max), ErrOutOfRange)
	}
	return nil
}

// DurationRange validates that d lies within [min, max].
func DurationRange(field string, d, min, max time.Duration) error {
	if d < min || d > max {
		return NewResult(field, fmt.Sprintf("must be between %s and %s", min, max), ErrOutOfRange)
	}
	return nil
}

// CIDR validates an address with a prefix length, such as 10.8.0.1/24.
func CIDR(field, value string) error {
	if err := Required(field, value); err != nil {
		return err
	}
	if _, err := netip.ParsePrefix(strings.TrimSpace(value)); err != nil {
		return NewResult(field, "must be valid CIDR notation (e.g., 10.8.0.1/24)", ErrInvalidFormat)
	}
	return nil
}

// HostPort validates a host:port address.
func HostPort(field, value string) error {
	if err := Required(field, value); err != nil {
		return err
	}

	_, _, err := net.SplitHostPort(value)
	if err != nil {
		return NewResult(field, "must be in host:port format", ErrInvalidFormat)
	}

	return nil
}

// Host validates a bare host name or IP address. A port is rejected.
func Host(field, value string) error {
	if err := Required(field, value); err != nil {
		return err
	}
	if _, err := netip.ParseAddr(value); err == nil {
		return nil
	}
	if !hostnamePattern.MatchString(value) || len(value) > MaxHostnameLength {
		return NewResult(field, "must be a host name or IP address without a port", ErrInvalidFormat)
	}
	return nil
}

// PublicKey validates a base64 encoded WireGuard public key. Failures wrap
// errors.ErrInvalidIdentity.
func PublicKey(field, value string) error {
	if len(value) != PublicKeyLength {
		return NewResult(field, fmt.Sprintf("must be %d characters", PublicKeyLength), apperrors.ErrInvalidIdentity)
	}
	if _, err := wgtypes.ParseKey(value); err != nil {
		return NewResult(field, "must be a base64 encoded key", apperrors.ErrInvalidIdentity)
	}
	return nil
}

// InterfaceName validates a tunnel interface name.
func InterfaceName(field, value string) error {
	if err := Required(field, value); err != nil {
		return err
	}
	if err := MaxLength(field, value, MaxInterfaceNameLength); err != nil {
		return err
	}
	if !interfaceNamePattern.MatchString(value) {
		return NewResult(field, "may only contain letters, digits and _=+.-", ErrInvalidFormat)
	}
	return nil
}

// PeerName validates a peer display name.
func PeerName(field, value string) error {
	if err := Required(field, value); err != nil {
		return err
	}
	return MaxLength(field, value, MaxPeerNameLength)
}

// IPv4 validates a dotted IPv4 address. A trailing prefix length is accepted.
func IPv4(field, value string) error {
	if err := Required(field, value); err != nil {
		return err
	}
	host, _, _ := strings.Cut(strings.TrimSpace(value), "/")
	addr, err := netip.ParseAddr(host)
	if err != nil || !addr.Is4() {
		return NewResult(field, "must be an IPv4 address", ErrInvalidFormat)
	}
	return nil
}

// DNSServers validates a list of resolver addresses. An empty list is valid.
func DNSServers(field string, values []string) error {
	for i, v := range values {
		if _, err := netip.ParseAddr(strings.TrimSpace(v)); err != nil {
			return NewResult(fmt.Sprintf("%s[%d]", field, i), "must be an IP address", ErrInvalidFormat)
		}
	}
	return nil
}

// RotationMinutes validates the verification token rotation interval.
func RotationMinutes(field string, value int) error {
	return IntRange(field, value, MinRotationMinutes, MaxRotationMinutes)
}

// Passkey validates the transport encryption passkey.
func Passkey(field, value string) error {
	if err := Required(field, value); err != nil {
		return err
	}
	return MinLength(field, value, MinPasskeyLength)
}

// Origin validates an allowed CORS origin such as "https://panel.example".
// "*" allows any origin.
func Origin(field, value string) error {
	if value == "*" {
		return nil
	}
	if err := Required(field, value); err != nil {
		return err
	}
	if err := MaxLength(field, value, MaxOriginLength); err != nil {
		return err
	}
	if !strings.HasPrefix(value, "http://") && !strings.HasPrefix(value, "https://") {
		return NewResult(field, "must start with http:// or https://", ErrInvalidFormat)
	}
	return nil
}

// Port validates a network port number.
func Port(field string, value int) error {
	if value < 1 || value > 65535 {
		return NewResult(field, "must be between 1 and 65535", ErrOutOfRange)
	}
	return nil
}

// All runs multiple validation functions and returns the first error.
func All(validators ...func() error) error {
	for _, v := range validators {
		if err := v(); err != nil {
			return err
		}
	}
	return nil
}

// Errors collects multiple validation errors.
type Errors []error

// Add appends an error to the collection (nil errors are ignored).
func (e *Errors) Add(err error) {
	if err != nil {
		*e = append(*e, err)
	}
}

// HasErrors returns true if any errors were collected.
func (e Errors) HasErrors() bool {
	return len(e) > 0
}

// Error returns all errors as a single error message.
func (e Errors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var b strings.Builder
	b.WriteString("multiple validation errors: ")
	for i, err := range e {
		if i > 0 {
			b.WriteString("; ")
		}
		b.WriteString(err.Error())
	}
	return b.String()
}

// Unwrap returns the collected errors for errors.Is() support.
func (e Errors) Unwrap() []error {
	return e
}

// First returns the first error, or nil if none.
func (e Errors) First() error {
	if len(e) == 0 {
		return nil
	}
	return e[0]
}
