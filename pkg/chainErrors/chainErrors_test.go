package chainErrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrap_KeepsBoundaryClassification(t *testing.T) {
	stale := New(KindStaleConnection, "pendulum", "transaction has a bad signature")
	wrapped := Wrap(KindInternal, "pendulum", "submit extrinsic", stale)

	assert.Equal(t, KindStaleConnection, wrapped.Kind)
	assert.True(t, IsKind(fmt.Errorf("outer: %w", wrapped), KindStaleConnection))
}

func TestReclassify_OverridesInnerKind(t *testing.T) {
	transient := New(KindTransient, "pendulum", "all endpoints failed")
	err := Reclassify(KindMissingPrerequisite, "pendulum", "no live connection", transient)

	assert.Equal(t, KindMissingPrerequisite, KindOf(fmt.Errorf("outer: %w", err)))
	assert.True(t, errors.Is(err, transient))
}

func TestKindOf_Unclassified(t *testing.T) {
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
	assert.False(t, IsKind(nil, KindInternal))
}

func TestError_Message(t *testing.T) {
	err := Wrap(KindTransient, "polygon", "all endpoints failed", errors.New("dial tcp: refused")).WithOp("eth_call")

	assert.Equal(t, "eth_call: all endpoints failed (chain polygon): dial tcp: refused", err.Error())
	assert.Equal(t, "transient", err.Kind.String())
}
