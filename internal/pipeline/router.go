package pipeline

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/Jasonzhangf/routecodex-sub005/internal/config"
	"github.com/Jasonzhangf/routecodex-sub005/internal/routeerr"
)

// Router matches incoming requests against the virtual route table and
// materializes module chains from the instance pool.
type Router struct {
	routes       []config.Route
	defaultRoute *config.Route
	pool         *Pool
}

// NewRouter builds a router over a prepared config. Routes are kept sorted by
// descending priority; ties resolve in declaration order.
func NewRouter(cfg *config.Config, pool *Pool) *Router {
	routes := make([]config.Route, len(cfg.Routes))
	copy(routes, cfg.Routes)
	sort.SliceStable(routes, func(i, j int) bool {
		return routes[i].Priority > routes[j].Priority
	})
	r := &Router{routes: routes, pool: pool}
	for i := range routes {
		if routes[i].ID == cfg.DefaultRoute {
			r.defaultRoute = &routes[i]
			break
		}
	}
	return r
}

// Match selects the highest-priority route whose pattern holds for the
// request. When nothing matches, the configured default route is used; with
// no default either, the request is unroutable.
func (r *Router) Match(req *Request) (*config.Route, error) {
	doc := gjson.ParseBytes(req.Data)
	model := doc.Get("model").String()
	hasTools := requestHasTools(doc)

	for i := range r.routes {
		route := &r.routes[i]
		if !route.Pattern.MatchModel(model) {
			continue
		}
		if route.Pattern.HasTools != nil && *route.Pattern.HasTools != hasTools {
			continue
		}
		return route, nil
	}
	if r.defaultRoute != nil {
		return r.defaultRoute, nil
	}
	return nil, routeerr.New(routeerr.CodeRouteNotFound, "router: no route matches model %q", model).WithStatus(404)
}

// requestHasTools reports whether the request declares a non-empty tool set
// in any supported dialect.
func requestHasTools(doc gjson.Result) bool {
	tools := doc.Get("tools")
	return tools.IsArray() && len(tools.Array()) > 0
}

// Chain is a materialized module sequence for one request: the route's
// modules, filtered by per-module conditions, bound to pooled instances.
type Chain struct {
	Route     *config.Route
	Specs     []config.ModuleSpec
	Instances []Instance
}

// BuildChain resolves the active sub-chain for the request and fetches one
// pooled instance per module, in declared order.
func (r *Router) BuildChain(ctx context.Context, route *config.Route, req *Request) (*Chain, error) {
	chain := &Chain{Route: route}
	doc := gjson.ParseBytes(req.Data)
	for _, spec := range route.Modules {
		if spec.Condition != nil && !evalCondition(spec.Condition, doc) {
			continue
		}
		instance, err := r.pool.GetInstance(ctx, spec)
		if err != nil {
			return nil, routeerr.Wrap(routeerr.CodeInternal, err, "router: route %s module %s", route.ID, spec.Type)
		}
		chain.Specs = append(chain.Specs, spec)
		chain.Instances = append(chain.Instances, instance)
	}
	if len(chain.Instances) == 0 {
		return nil, routeerr.New(routeerr.CodeInvalidConfig, "router: route %s has no active modules", route.ID)
	}
	return chain, nil
}

// ValidateHealth asserts every instance in the chain is initialized and
// healthy before execution starts.
func (c *Chain) ValidateHealth() error {
	for _, instance := range c.Instances {
		if !instance.Healthy() {
			return routeerr.New(routeerr.CodeInternal, "router: module %s is unhealthy", instance.Type())
		}
	}
	return nil
}

// evalCondition applies one module condition against the request document.
// Unknown operators fail closed.
func evalCondition(cond *config.Condition, doc gjson.Result) bool {
	field := doc.Get(cond.Field)
	switch cond.Operator {
	case "exists":
		return field.Exists()
	case "equals":
		return field.Exists() && field.String() == condString(cond.Value)
	case "contains":
		return field.Exists() && strings.Contains(field.String(), condString(cond.Value))
	case "matches":
		if !field.Exists() {
			return false
		}
		matched, err := matchPattern(condString(cond.Value), field.String())
		return err == nil && matched
	case "gt":
		return field.Exists() && field.Float() > condFloat(cond.Value)
	case "lt":
		return field.Exists() && field.Float() < condFloat(cond.Value)
	default:
		return false
	}
}

func condString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func condFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case string:
		f, _ := strconv.ParseFloat(n, 64)
		return f
	default:
		return 0
	}
}

func matchPattern(pattern, value string) (bool, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return false, err
	}
	return re.MatchString(value), nil
}
