package orchestrator

import (
	"strings"

	"github.com/Pythagora-io/gpt-pilot-sub000/pkg/worker"
)

// Reduce folds the results of concurrent workers into one.
//
// Any InputRequired wins and their locations are merged, so the user is asked once.
// Otherwise the first result that is not Done is returned. When all succeeded the
// result is Done, attributed to the first worker.
func Reduce(results []worker.Result) worker.Result {
	if len(results) == 0 {
		return worker.Done()
	}

	var (
		input    *worker.Result
		messages []string
		seen     = map[worker.Location]bool{}
	)
	for _, r := range results {
		if r.Type != worker.ResultInputRequired {
			continue
		}
		if input == nil {
			merged := worker.Result{Type: worker.ResultInputRequired, Worker: r.Worker, Details: r.Details}
			input = &merged
		}
		if r.Message != "" {
			messages = append(messages, r.Message)
		}
		for _, loc := range r.Locations {
			if seen[loc] {
				continue
			}
			seen[loc] = true
			input.Locations = append(input.Locations, loc)
		}
	}
	if input != nil {
		input.Message = strings.Join(messages, "\n")
		return *input
	}

	for _, r := range results {
		if r.Type != worker.ResultDone {
			return r
		}
	}
	return worker.Done().From(results[0].Worker)
}
