package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsValidRoutingID(t *testing.T) {
	assert.True(t, IsValidRoutingID("rt_0123456789abcdef01234567"))
	assert.False(t, IsValidRoutingID("rt_0123456789ABCDEF01234567")) // uppercase
	assert.False(t, IsValidRoutingID("rt_short"))
	assert.False(t, IsValidRoutingID("0123456789abcdef01234567"))
	assert.False(t, IsValidRoutingID(""))
}

func TestIsValidE164(t *testing.T) {
	assert.True(t, IsValidE164("+15551234567"))
	assert.True(t, IsValidE164("+4930123456"))
	assert.False(t, IsValidE164("15551234567"))
	assert.False(t, IsValidE164("+0155512345"))
	assert.False(t, IsValidE164("+1555"))
	assert.False(t, IsValidE164(""))
}

func TestIsValidEthAddress(t *testing.T) {
	assert.True(t, IsValidEthAddress("0x036CbD53842c5426634e7929541eC2318f3dCF7e"))
	assert.False(t, IsValidEthAddress("036CbD53842c5426634e7929541eC2318f3dCF7e"))
	assert.False(t, IsValidEthAddress("0x1234"))
}

func TestValidAmount(t *testing.T) {
	cases := []struct {
		value string
		valid bool
	}{
		{"1.50", true},
		{"0.10", true},
		{"5", true},
		{"", true}, // empty allowed, use Required for required fields
		{"0", false},
		{"0.00", false},
		{"-1", false},
		{"1.2.3", false},
		{".5", false},
		{"5.", false},
		{"abc", false},
	}
	for _, tc := range cases {
		err := ValidAmount("amount", tc.value)()
		if tc.valid {
			assert.Nil(t, err, "expected %q to be valid", tc.value)
		} else {
			assert.NotNil(t, err, "expected %q to be invalid", tc.value)
		}
	}
}

func TestValidate_CollectsErrors(t *testing.T) {
	errs := Validate(
		Required("caller_addr", ""),
		ValidRoutingID("callee_routing_id", "bogus"),
		ValidAmount("amount", "-1"),
	)
	assert.Len(t, errs, 3)
	assert.Equal(t, "caller_addr", errs[0].Field)
	assert.Contains(t, errs.Error(), "caller_addr")
}

func TestSanitizeAddress(t *testing.T) {
	assert.Equal(t, "0xabcdef0123456789abcdef0123456789abcdef01",
		SanitizeAddress("  0xABCDEF0123456789abcdef0123456789ABCDEF01 "))
	assert.Equal(t, "0xabcdef0123456789abcdef0123456789abcdef01",
		SanitizeAddress("abcdef0123456789abcdef0123456789abcdef01"))
}
