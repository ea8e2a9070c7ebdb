package search

import (
	"context"

	"github.com/rubiojr/panhub/pkg/orchestrator"
	"github.com/rubiojr/panhub/pkg/sources"
)

// Executor returns an orchestrator.Executor answering calls with this
// service in process, without an HTTP round trip.
func (s *SearchService) Executor() orchestrator.Executor {
	return orchestrator.ExecutorFunc(func(ctx context.Context, call orchestrator.Call) *orchestrator.ResultBatch {
		if len(call.IDs) == 0 {
			return nil
		}
		params := SearchParams{
			Keyword:       call.Keyword,
			Concurrency:   call.Concurrency,
			PluginTimeout: call.Timeout,
			ResultType:    ResultMergedByType,
		}
		switch call.Family {
		case sources.Plugin:
			params.Source = "plugin"
			params.Plugins = call.IDs
		case sources.Channel:
			params.Source = "tg"
			params.Channels = call.IDs
		default:
			return nil
		}

		batch, err := s.Search(ctx, params)
		if err != nil {
			s.logger.Debugf("in-process call for %s failed: %v", call.Family, err)
			return nil
		}
		return batch
	})
}
