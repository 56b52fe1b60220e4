package domain

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgerrors "eligibility-gateway/pkg/errors"
)

func TestParseJobID_Invariants(t *testing.T) {
	t.Run("rejects empty string", func(t *testing.T) {
		_, err := ParseJobID("")
		require.Error(t, err)
		assert.True(t, pkgerrors.HasCode(err, pkgerrors.CodeInvalidInput))
	})

	t.Run("rejects invalid format", func(t *testing.T) {
		_, err := ParseJobID("not-a-uuid")
		require.Error(t, err)
		assert.True(t, pkgerrors.HasCode(err, pkgerrors.CodeInvalidInput))
	})

	t.Run("rejects nil UUID", func(t *testing.T) {
		_, err := ParseJobID(uuid.Nil.String())
		require.Error(t, err)
	})

	t.Run("accepts valid UUID", func(t *testing.T) {
		valid := uuid.New()
		parsed, err := ParseJobID(valid.String())
		require.NoError(t, err)
		assert.Equal(t, JobID(valid), parsed)
	})
}

func TestParseRequestID_MintsWhenEmpty(t *testing.T) {
	minted, err := ParseRequestID("")
	require.NoError(t, err)
	assert.False(t, minted.IsNil())

	valid := uuid.New()
	parsed, err := ParseRequestID(valid.String())
	require.NoError(t, err)
	assert.Equal(t, RequestID(valid), parsed)
}

func TestDerivedEventID_Deterministic(t *testing.T) {
	job := NewJobID()
	a := DerivedEventID(job, 0, "member-1")
	assert.Equal(t, a, DerivedEventID(job, 0, "member-1"), "same coordinate mints the same ID")
	assert.False(t, a.IsNil())

	assert.NotEqual(t, a, DerivedEventID(job, 1, "member-1"), "different chunks must not collide")
	assert.NotEqual(t, a, DerivedEventID(job, 0, "member-2"), "different subjects must not collide")
	assert.NotEqual(t, a, DerivedEventID(NewJobID(), 0, "member-1"), "different jobs must not collide")
}

func TestComputeFingerprint_Deterministic(t *testing.T) {
	a := ComputeFingerprint("M1", map[string]string{"plan": "ppo", "year": "2026"})
	b := ComputeFingerprint("M1", map[string]string{"year": "2026", "plan": "ppo"})
	assert.Equal(t, a, b, "map iteration order must not affect the fingerprint")

	c := ComputeFingerprint("M2", map[string]string{"plan": "ppo", "year": "2026"})
	assert.NotEqual(t, a, c, "different subjects must not collide")

	d := ComputeFingerprint("M1", map[string]string{"plan": "hmo", "year": "2026"})
	assert.NotEqual(t, a, d, "different parameters must not collide")
}

func TestComputeFingerprint_NoSeparatorAmbiguity(t *testing.T) {
	// Key/value boundary shifts must change the digest.
	a := ComputeFingerprint("M1", map[string]string{"ab": "c"})
	b := ComputeFingerprint("M1", map[string]string{"a": "bc"})
	assert.NotEqual(t, a, b)
}

func TestParseFingerprint(t *testing.T) {
	fp := ComputeFingerprint("M1", nil)
	parsed, err := ParseFingerprint(string(fp))
	require.NoError(t, err)
	assert.Equal(t, fp, parsed)

	_, err = ParseFingerprint("short")
	assert.Error(t, err)

	_, err = ParseFingerprint(string(fp[:60]) + "zzzz")
	assert.Error(t, err)
}

func TestParseSubjectID(t *testing.T) {
	s, err := ParseSubjectID("  M42 ")
	require.NoError(t, err)
	assert.Equal(t, SubjectID("M42"), s)

	_, err = ParseSubjectID("   ")
	assert.Error(t, err)
}
