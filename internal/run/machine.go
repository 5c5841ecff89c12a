package run

// MachinePreset is a named CPU/memory configuration a run executes
// under. Presets are upgradeable when a task opts into OOM retries.
type MachinePreset struct {
	Name       string  `json:"name"`
	CPU        float64 `json:"cpu"`
	MemoryGB   float64 `json:"memory_gb"`
	CentsPerMs float64 `json:"cents_per_ms"`
}

const (
	MachineMicro    = "micro"
	MachineSmall1x  = "small-1x"
	MachineSmall2x  = "small-2x"
	MachineMedium1x = "medium-1x"
	MachineMedium2x = "medium-2x"
	MachineLarge1x  = "large-1x"
	MachineLarge2x  = "large-2x"
)

var machinePresets = map[string]MachinePreset{
	MachineMicro:    {Name: MachineMicro, CPU: 0.25, MemoryGB: 0.25, CentsPerMs: 0.0000001},
	MachineSmall1x:  {Name: MachineSmall1x, CPU: 0.5, MemoryGB: 0.5, CentsPerMs: 0.0000002},
	MachineSmall2x:  {Name: MachineSmall2x, CPU: 1, MemoryGB: 1, CentsPerMs: 0.0000004},
	MachineMedium1x: {Name: MachineMedium1x, CPU: 1, MemoryGB: 2, CentsPerMs: 0.0000006},
	MachineMedium2x: {Name: MachineMedium2x, CPU: 2, MemoryGB: 4, CentsPerMs: 0.0000012},
	MachineLarge1x:  {Name: MachineLarge1x, CPU: 4, MemoryGB: 8, CentsPerMs: 0.0000024},
	MachineLarge2x:  {Name: MachineLarge2x, CPU: 8, MemoryGB: 16, CentsPerMs: 0.0000048},
}

// PresetByName resolves a machine preset, falling back to small-1x for
// unknown names so a bad override never blocks a dequeue.
func PresetByName(name string) MachinePreset {
	if p, ok := machinePresets[name]; ok {
		return p
	}
	return machinePresets[MachineSmall1x]
}
