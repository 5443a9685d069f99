package mergegate

import (
	"context"
	"fmt"

	"github.com/gabelul/autocoder/pkg/models"
	"go.uber.org/zap"
)

const (
	ReviewModeAdvisory = "advisory"
	ReviewModeGate     = "gate"

	ConsensusAll      = "all"
	ConsensusMajority = "majority"
	ConsensusAny      = "any"
)

// ReviewEngine is a command fed the patch on stdin; exit 0 approves.
type ReviewEngine struct {
	Name    string
	Command string
}

type ReviewConfig struct {
	Enabled   bool
	Mode      string
	Consensus string
	Engines   []ReviewEngine
}

func (r ReviewConfig) consensus() string {
	if r.Consensus == "" {
		return ConsensusAll
	}
	return r.Consensus
}

// Approved applies the consensus rule to the engines' votes. No votes
// approve.
func Approved(consensus string, results []models.ReviewResult) bool {
	if len(results) == 0 {
		return true
	}
	yes := 0
	for _, r := range results {
		if r.Approved {
			yes++
		}
	}
	switch consensus {
	case ConsensusAny:
		return yes > 0
	case ConsensusMajority:
		return yes*2 > len(results)
	default:
		return yes == len(results)
	}
}

func (g *Gate) review(ctx context.Context, dir string, patch []byte) (bool, []models.ReviewResult, error) {
	var results []models.ReviewResult
	for i, e := range g.cfg.Review.Engines {
		name := e.Name
		if name == "" {
			name = fmt.Sprintf("engine-%d", i+1)
		}
		res, err := g.runCommand(ctx, dir, namedCommand{
			name:        "review:" + name,
			CommandSpec: CommandSpec{Command: e.Command, Timeout: g.cfg.Timeout},
		}, patch)
		if err != nil {
			return false, nil, err
		}
		results = append(results, models.ReviewResult{
			Engine:   name,
			Approved: res.Passed(),
			Output:   tailLines(res.Output, 40),
		})
		g.log.Debug("review vote", zap.String("engine", name), zap.Bool("approved", res.Passed()))
	}
	return Approved(g.cfg.Review.consensus(), results), results, nil
}
