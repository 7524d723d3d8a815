package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsTrusted(t *testing.T) {
	cases := []struct {
		level TrustLevel
		want  bool
	}{
		{Valid(true), true},
		{Valid(false), false},
		{CrossSigned(true), true},
		{CrossSigned(false), false},
		{NotAllDeviceKeysCrossSigned(true), true},
		{NotCrossSigned(), false},
		{Blocked(), false},
		{Invalid("bad signature"), false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, c.level.IsTrusted(), "%+v", c.level)
	}
}
