package models

import (
	"fmt"
)

type TrustKind int

const (
	TrustUnknown TrustKind = iota
	TrustValid
	TrustCrossSigned
	TrustNotCrossSigned
	TrustNotAllDeviceKeysCrossSigned
	TrustBlocked
	TrustInvalid
)

var trustKindNames = map[TrustKind]string{
	TrustUnknown:                     "unknown",
	TrustValid:                       "valid",
	TrustCrossSigned:                 "cross_signed",
	TrustNotCrossSigned:              "not_cross_signed",
	TrustNotAllDeviceKeysCrossSigned: "not_all_device_keys_cross_signed",
	TrustBlocked:                     "blocked",
	TrustInvalid:                     "invalid",
}

func (k TrustKind) String() string {
	if name, ok := trustKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("TrustKind(%d)", int(k))
}

func (k TrustKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *TrustKind) UnmarshalText(text []byte) error {
	for kind, name := range trustKindNames {
		if name == string(text) {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("unknown trust kind %q", text)
}

// TrustLevel is the closed set of key signature trust levels. Verified is
// only meaningful for Valid, CrossSigned and NotAllDeviceKeysCrossSigned;
// Reason only for Invalid.
type TrustLevel struct {
	Kind     TrustKind `json:"kind"`
	Verified bool      `json:"verified,omitempty"`
	Reason   string    `json:"reason,omitempty"`
}

func Valid(verified bool) TrustLevel {
	return TrustLevel{Kind: TrustValid, Verified: verified}
}

func CrossSigned(verified bool) TrustLevel {
	return TrustLevel{Kind: TrustCrossSigned, Verified: verified}
}

func NotCrossSigned() TrustLevel {
	return TrustLevel{Kind: TrustNotCrossSigned}
}

func NotAllDeviceKeysCrossSigned(verified bool) TrustLevel {
	return TrustLevel{Kind: TrustNotAllDeviceKeysCrossSigned, Verified: verified}
}

func Blocked() TrustLevel {
	return TrustLevel{Kind: TrustBlocked}
}

func Invalid(reason string) TrustLevel {
	return TrustLevel{Kind: TrustInvalid, Reason: reason}
}

func (t TrustLevel) Is(kind TrustKind) bool {
	return t.Kind == kind
}

func (t TrustLevel) IsCrossSignedVerified() bool {
	return t.Kind == TrustCrossSigned && t.Verified
}

// IsTrusted reports whether keys with this level may receive room keys
// without further user interaction.
func (t TrustLevel) IsTrusted() bool {
	switch t.Kind {
	case TrustValid, TrustCrossSigned, TrustNotAllDeviceKeysCrossSigned:
		return t.Verified
	default:
		return false
	}
}

func (t TrustLevel) String() string {
	switch t.Kind {
	case TrustValid, TrustCrossSigned, TrustNotAllDeviceKeysCrossSigned:
		return fmt.Sprintf("%s(verified=%t)", t.Kind, t.Verified)
	case TrustInvalid:
		return fmt.Sprintf("%s(%s)", t.Kind, t.Reason)
	default:
		return t.Kind.String()
	}
}

type VerificationKind int

const (
	VerificationNone VerificationKind = iota
	VerificationVerified
	VerificationBlocked
)

// VerificationState is the manual verification decision for one raw key.
// Verified carries the key value it was made for so a key rotated under the
// same id is not considered verified.
type VerificationState struct {
	Kind     VerificationKind `json:"kind"`
	KeyValue string           `json:"key_value,omitempty"`
}

func VerifiedKey(value string) VerificationState {
	return VerificationState{Kind: VerificationVerified, KeyValue: value}
}

func BlockedKey() VerificationState {
	return VerificationState{Kind: VerificationBlocked}
}

// Applies reports the effective state for a key currently holding value.
func (s VerificationState) Applies(value string) VerificationKind {
	switch s.Kind {
	case VerificationVerified:
		if s.KeyValue == value {
			return VerificationVerified
		}
		return VerificationNone
	default:
		return s.Kind
	}
}
