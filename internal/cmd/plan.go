package cmd

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/fabiofenoglio/reqstream"
)

// Plan is a batch of requests read from a YAML file:
//
//	requests:
//	  - method: GET
//	    route: /channels/{channel.id}/messages
//	    params: ["42"]
//	    query: {limit: "10"}
//	    repeat: 5
type Plan struct {
	Requests []PlannedRequest `yaml:"requests"`
}

// PlannedRequest describes one request, optionally sent several times.
type PlannedRequest struct {
	Method  string            `yaml:"method"`
	Route   string            `yaml:"route"`
	Params  []string          `yaml:"params"`
	Query   map[string]string `yaml:"query"`
	Header  map[string]string `yaml:"header"`
	Body    interface{}       `yaml:"body"`
	Repeat  int               `yaml:"repeat"`
	Comment string            `yaml:"comment"`
}

func loadPlan(path string) (*Plan, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open plan: %w", err)
	}
	defer f.Close()
	return decodePlan(f)
}

func decodePlan(r io.Reader) (*Plan, error) {
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)

	plan := &Plan{}
	if err := decoder.Decode(plan); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("plan is empty")
		}
		return nil, fmt.Errorf("failed to parse plan: %w", err)
	}
	if len(plan.Requests) == 0 {
		return nil, errors.New("plan has no requests")
	}
	return plan, nil
}

// Build expands the plan into request descriptors, in order.
func (p *Plan) Build() ([]*reqstream.Request, error) {
	out := make([]*reqstream.Request, 0, len(p.Requests))

	for i, planned := range p.Requests {
		method := strings.ToUpper(strings.TrimSpace(planned.Method))
		if method == "" {
			method = http.MethodGet
		}
		if !strings.HasPrefix(planned.Route, "/") {
			return nil, fmt.Errorf("request %d: route should start with / (given: %q)", i+1, planned.Route)
		}
		if planned.Repeat < 0 {
			return nil, fmt.Errorf("request %d: repeat should be zero or positive (given: %v)", i+1, planned.Repeat)
		}
		repeat := planned.Repeat
		if repeat == 0 {
			repeat = 1
		}

		route := reqstream.Route{Method: method, Template: planned.Route}
		for n := 0; n < repeat; n++ {
			req := reqstream.NewRequest(route, planned.Params...)
			if len(planned.Query) > 0 {
				req.Query = url.Values{}
				for k, v := range planned.Query {
					req.Query.Set(k, v)
				}
			}
			if len(planned.Header) > 0 {
				req.Header = http.Header{}
				for k, v := range planned.Header {
					req.Header.Set(k, v)
				}
			}
			req.Body = planned.Body
			req.Result = &map[string]interface{}{}
			out = append(out, req)
		}
	}

	return out, nil
}
