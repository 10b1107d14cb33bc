package guardrailhttp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestArmModeNormalWhenHealthy(t *testing.T) {
	arm := NewArmRuntime(5*time.Second, true, nil)
	assert.Equal(t, ArmModeNormal, arm.EvaluateMode())
}

func TestArmModeEgressOnlyWhenIngressDegraded(t *testing.T) {
	arm := NewArmRuntime(5*time.Second, true, nil)
	arm.ForceIngressState(ArmDegraded, "probe failure")
	assert.Equal(t, ArmModeEgressOnly, arm.EvaluateMode())

	arm.ForceIngressState("", "")
	assert.Equal(t, ArmModeNormal, arm.EvaluateMode())
}

func TestArmModeStaysNormalWhenFallbackDisabled(t *testing.T) {
	arm := NewArmRuntime(5*time.Second, false, nil)
	arm.ForceIngressState(ArmDown, "outage")
	assert.Equal(t, ArmModeNormal, arm.EvaluateMode())
}

func TestArmQueueLagDegradesIngress(t *testing.T) {
	arm := NewArmRuntime(100*time.Millisecond, true, nil)
	arm.RecordQueueLag(200 * time.Millisecond)
	assert.Equal(t, ArmModeEgressOnly, arm.EvaluateMode())

	arm.ClearQueueLag()
	assert.Equal(t, ArmModeNormal, arm.EvaluateMode())
}

func TestArmSnapshotReflectsForcedState(t *testing.T) {
	arm := NewArmRuntime(5*time.Second, true, nil)
	arm.ForceIngressState(ArmDegraded, "drill")

	snap := arm.Snapshot()
	assert.Equal(t, ArmModeEgressOnly, snap.Mode)
	assert.Equal(t, ArmDegraded, snap.Ingress.State)
	assert.Equal(t, "drill", snap.Ingress.Reason)
}
