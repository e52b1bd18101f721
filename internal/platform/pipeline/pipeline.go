// Package pipeline runs every API request through an ordered list of named
// stages before it reaches a handler:
//
//	request-meta -> authentication -> rate-limit -> validation -> handler
//
// A stage either passes a (possibly re-contexted) request on or writes the
// response itself and stops the chain. Stages are plain values so the order
// is visible at the call site and testable without a router.
package pipeline

import (
	"log/slog"
	"net/http"
)

// Stage is one named step. Run returns the request to hand to the next stage,
// or false once it has written a response.
type Stage struct {
	Name string
	Run  func(w http.ResponseWriter, r *http.Request) (*http.Request, bool)
}

// Pipeline is an ordered stage list.
type Pipeline struct {
	stages []Stage
	logger *slog.Logger
}

// New builds a pipeline from stages in execution order.
func New(logger *slog.Logger, stages ...Stage) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{stages: stages, logger: logger}
}

// Then appends stages and returns the pipeline.
func (p *Pipeline) Then(stages ...Stage) *Pipeline {
	p.stages = append(p.stages, stages...)
	return p
}

// Names lists the stage names in order.
func (p *Pipeline) Names() []string {
	names := make([]string, len(p.stages))
	for i, s := range p.stages {
		names[i] = s.Name
	}
	return names
}

// Handler runs the stages and then next. It has the middleware signature so
// it can be mounted with chi's Use or Group.
func (p *Pipeline) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, stage := range p.stages {
			nextReq, ok := stage.Run(w, r)
			if !ok {
				p.logger.DebugContext(r.Context(), "request stopped by pipeline stage",
					"stage", stage.Name,
					"method", r.Method,
					"path", r.URL.Path,
				)
				return
			}
			r = nextReq
		}
		next.ServeHTTP(w, r)
	})
}
