package scheduler

import (
	"sort"

	"github.com/packforge/packforge/pkg/types"
)

// capacity describes what the machine can currently offer a ready task
type capacity struct {
	idleCPU         float64
	availableMemory uint64
}

// resourceScore ranks a task for the resource-aware strategy: higher is
// better. Tasks whose memory request exceeds what is available score zero
// on the memory term.
func resourceScore(task types.Task, c capacity) float64 {
	req := task.Resources

	cpuFit := 1 - abs(c.idleCPU-req.CPUFraction)

	memFit := 1.0
	if c.availableMemory > 0 && req.MemoryBytes > 0 {
		if req.MemoryBytes > c.availableMemory {
			memFit = 0
		} else {
			memFit = 1 - float64(req.MemoryBytes)/float64(c.availableMemory)
		}
	}

	durationFit := 1 / (float64(task.EstimatedDuration.Milliseconds()) + 1)

	return 0.4*cpuFit + 0.4*memFit + 0.2*durationFit
}

// orderReady sorts ready tasks in place. The input is in submission order
// and every ordering is stable, so submission order breaks ties.
func orderReady(ready []*taskNode, strategy types.Strategy, critical map[string]bool, c capacity) {
	switch strategy {
	case types.StrategyPriority:
		sort.SliceStable(ready, func(i, j int) bool {
			return ready[i].task.Priority > ready[j].task.Priority
		})

	case types.StrategyCriticalPath:
		sort.SliceStable(ready, func(i, j int) bool {
			ci, cj := critical[ready[i].task.ID], critical[ready[j].task.ID]
			if ci != cj {
				return ci
			}
			return ready[i].task.EstimatedDuration > ready[j].task.EstimatedDuration
		})

	case types.StrategyResourceAware:
		scores := make(map[*taskNode]float64, len(ready))
		for _, n := range ready {
			scores[n] = resourceScore(n.task, c)
		}
		sort.SliceStable(ready, func(i, j int) bool {
			return scores[ready[i]] > scores[ready[j]]
		})
	}
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
