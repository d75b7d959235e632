package shutdown

import "context"

// Stage orders hooks. Higher stages run first; hooks within a stage run
// concurrently.
type Stage int

const (
	// StageIngress stops the HTTP producer API so no new work is accepted.
	StageIngress Stage = 90

	// StageConsumers cancels consume loops and waits for in-flight handlers.
	StageConsumers Stage = 80

	// StageBackend closes queue backends and their connections.
	StageBackend Stage = 70

	// StageTelemetry stops collectors once nothing else reports.
	StageTelemetry Stage = 50
)

func (s Stage) String() string {
	switch s {
	case StageIngress:
		return "ingress"
	case StageConsumers:
		return "consumers"
	case StageBackend:
		return "backend"
	case StageTelemetry:
		return "telemetry"
	default:
		return "custom"
	}
}

// HookFunc performs one step of the shutdown. ctx expires at the hook timeout.
type HookFunc func(ctx context.Context) error

// Hook is a named shutdown step.
type Hook struct {
	Name  string
	Stage Stage
	Fn    HookFunc
}

// groupByStage sorts hooks by descending stage, keeping registration order
// inside a stage.
func groupByStage(hooks []Hook) [][]Hook {
	var groups [][]Hook
	index := make(map[Stage]int)
	var stages []Stage
	for _, h := range hooks {
		i, ok := index[h.Stage]
		if !ok {
			i = len(groups)
			index[h.Stage] = i
			stages = append(stages, h.Stage)
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], h)
	}

	// insertion sort over a handful of stages
	for i := 1; i < len(stages); i++ {
		for j := i; j > 0 && stages[j] > stages[j-1]; j-- {
			stages[j], stages[j-1] = stages[j-1], stages[j]
			groups[j], groups[j-1] = groups[j-1], groups[j]
		}
	}
	return groups
}
