package service

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/FAI3/orchestra/internal/model"
)

const unknownTestType = "Unknown test type"

// unit sequences the calls of one TestRequest. It has no access to the
// remote service: every call goes out through calls and is answered on
// replies by the dispatcher. A unit serves exactly one request.
type unit struct {
	req     model.TestRequest
	calls   chan<- model.CallRequest
	replies <-chan model.CallReply
	nextID  uint64
}

func newUnit(req model.TestRequest, calls chan<- model.CallRequest, replies <-chan model.CallReply) *unit {
	return &unit{
		req:     req,
		calls:   calls,
		replies: replies,
	}
}

// run executes the sequence and returns the Complete outcome.
func (u *unit) run(ctx context.Context) model.Outcome {
	r := u.req
	switch r.Kind {
	case model.KindCAT:
		data, err := u.call(ctx, model.MethodContextAssociationTest, model.CallArgs{
			ModelID:    r.ModelID,
			MaxQueries: r.MaxQueries,
			Seed:       r.Seed,
			Shuffle:    r.Shuffle,
		})
		return u.complete(data, err)
	case model.KindFairness:
		return u.fairness(ctx)
	case model.KindKaleidoscope:
		data, err := u.call(ctx, model.MethodLLMEvaluateLanguages, model.CallArgs{
			ModelID:    r.ModelID,
			Languages:  slices.Clone(r.Languages),
			MaxQueries: r.MaxQueries,
			Seed:       r.Seed,
		})
		return u.complete(data, err)
	default:
		return model.Outcome{Kind: r.Kind, Error: unknownTestType}
	}
}

// fairness evaluates every dataset in order and averages the results. The
// first failing dataset aborts the sequence; jobs created for the datasets
// before it are left on the remote service.
func (u *unit) fairness(ctx context.Context) model.Outcome {
	r := u.req
	for _, dataset := range r.Dataset {
		_, err := u.call(ctx, model.MethodCalculateLLMMetrics, model.CallArgs{
			ModelID:    r.ModelID,
			Dataset:    dataset,
			MaxQueries: r.MaxQueries,
			Seed:       r.Seed,
		})
		if err != nil {
			return u.complete(nil, fmt.Errorf("%s(%s): %w", model.MethodCalculateLLMMetrics, dataset, err))
		}
	}

	data, err := u.call(ctx, model.MethodAverageLLMMetrics, model.CallArgs{
		ModelID:  r.ModelID,
		Datasets: slices.Clone(r.Dataset),
	})
	if err != nil {
		err = fmt.Errorf("%s: %w", model.MethodAverageLLMMetrics, err)
	}
	return u.complete(data, err)
}

func (u *unit) complete(data any, err error) model.Outcome {
	if err != nil {
		return model.Outcome{Kind: u.req.Kind, Error: err.Error()}
	}
	return model.Outcome{Kind: u.req.Kind, Success: true, Data: data}
}

// call emits one call descriptor and waits for its reply.
func (u *unit) call(ctx context.Context, method model.Method, args model.CallArgs) (any, error) {
	u.nextID++
	req := model.CallRequest{ID: u.nextID, Method: method, Args: args}

	select {
	case u.calls <- req:
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	}

	for {
		select {
		case reply := <-u.replies:
			if reply.ID != req.ID {
				continue
			}
			if !reply.Success {
				return nil, errors.New(reply.Error)
			}
			return reply.Data, nil
		case <-ctx.Done():
			return nil, context.Cause(ctx)
		}
	}
}
