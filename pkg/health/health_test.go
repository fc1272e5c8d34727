package health

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/armkit/armkit/pkg/driver"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		status   driver.MotorStatus
		expected Class
	}{
		{
			name:     "enabled clean",
			status:   driver.MotorStatus{ID: 1, Enabled: true},
			expected: Healthy,
		},
		{
			name:     "disabled",
			status:   driver.MotorStatus{ID: 1, Enabled: false},
			expected: NeedsEnable,
		},
		{
			name:     "disabled with faults still needs enable first",
			status:   driver.MotorStatus{ID: 2, Enabled: false, Faults: driver.Collision},
			expected: NeedsEnable,
		},
		{
			name:     "enabled with collision is a zombie",
			status:   driver.MotorStatus{ID: 3, Enabled: true, Faults: driver.Collision},
			expected: Zombie,
		},
		{
			name:     "enabled with overheating is a zombie",
			status:   driver.MotorStatus{ID: 4, Enabled: true, Faults: driver.MotorOverheating},
			expected: Zombie,
		},
		{
			name:     "gripper ignores collision flag noise",
			status:   driver.MotorStatus{ID: driver.GripperID, Enabled: true, Faults: driver.Collision | driver.Stall},
			expected: Healthy,
		},
		{
			name:     "gripper still zombies on overcurrent",
			status:   driver.MotorStatus{ID: driver.GripperID, Enabled: true, Faults: driver.Overcurrent},
			expected: Zombie,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Classify(tt.status))
		})
	}
}

func TestAllHealthy(t *testing.T) {
	statuses := []driver.MotorStatus{
		{ID: 1, Enabled: true},
		{ID: 2, Enabled: true},
	}
	assert.True(t, AllHealthy(statuses))

	statuses[1].Enabled = false
	assert.False(t, AllHealthy(statuses))
}

func TestUnhealthy(t *testing.T) {
	statuses := []driver.MotorStatus{
		{ID: 1, Enabled: true},
		{ID: 2, Enabled: false},
		{ID: 3, Enabled: true, Faults: driver.Stall},
	}

	bad := Unhealthy(statuses)
	assert.Len(t, bad, 2)
	assert.Equal(t, 2, bad[0].ID)
	assert.Equal(t, 3, bad[1].ID)
}

func TestClassString(t *testing.T) {
	assert.Equal(t, "healthy", Healthy.String())
	assert.Equal(t, "needs_enable", NeedsEnable.String())
	assert.Equal(t, "zombie", Zombie.String())
}
