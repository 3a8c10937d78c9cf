package registry

import (
	"slices"
	"strings"

	"github.com/roach88/recordflow/internal/apperr"
	"github.com/roach88/recordflow/internal/model"
)

// cascadeGraph maps entity id → entities whose records are deleted when a
// record of that entity is deleted.
type cascadeGraph map[string][]string

// buildCascadeGraph adds an edge target → owner for every relation with
// on_delete cascade.
func buildCascadeGraph(defs []model.EntityDefinition) cascadeGraph {
	graph := make(cascadeGraph, len(defs))
	for _, def := range defs {
		if graph[def.ID] == nil {
			graph[def.ID] = []string{}
		}
		for _, rel := range def.Relations {
			if rel.OnDelete != model.OnDeleteCascade {
				continue
			}
			graph[rel.TargetEntity] = append(graph[rel.TargetEntity], def.ID)
		}
	}
	for id := range graph {
		slices.Sort(graph[id])
	}
	return graph
}

// CascadeCycles returns every cycle in the cascade-delete graph as a path
// of entity ids that starts and ends at the same entity.
func CascadeCycles(defs []model.EntityDefinition) [][]string {
	graph := buildCascadeGraph(defs)
	var cycles [][]string
	for _, scc := range tarjanSCC(graph) {
		if len(scc) > 1 {
			cycles = append(cycles, cyclePath(scc, graph))
			continue
		}
		if slices.Contains(graph[scc[0]], scc[0]) {
			cycles = append(cycles, []string{scc[0], scc[0]})
		}
	}
	return cycles
}

// checkCascadeCycles fails with CyclicRelationError on the first cycle.
func checkCascadeCycles(defs []model.EntityDefinition) error {
	cycles := CascadeCycles(defs)
	if len(cycles) == 0 {
		return nil
	}
	names := make(map[string]string, len(defs))
	for _, d := range defs {
		names[d.ID] = d.Name
	}
	path := make([]string, len(cycles[0]))
	for i, id := range cycles[0] {
		path[i] = names[id]
		if path[i] == "" {
			path[i] = id
		}
	}
	return apperr.New(apperr.KindCyclicRelation, "cascade delete cycle: %s", strings.Join(path, " → ")).
		With("path", cycles[0])
}

// tarjanSCC finds strongly connected components. Nodes are visited in
// sorted order so results are stable.
func tarjanSCC(graph cascadeGraph) [][]string {
	var (
		index   = 0
		stack   []string
		indices = make(map[string]int)
		lowlink = make(map[string]int)
		onStack = make(map[string]bool)
		sccs    [][]string
	)

	var strongConnect func(string)
	strongConnect = func(v string) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range graph[v] {
			if _, visited := indices[w]; !visited {
				strongConnect(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				lowlink[v] = min(lowlink[v], indices[w])
			}
		}

		if lowlink[v] == indices[v] {
			var scc []string
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			slices.Sort(scc)
			sccs = append(sccs, scc)
		}
	}

	nodes := make([]string, 0, len(graph))
	for node := range graph {
		nodes = append(nodes, node)
	}
	slices.Sort(nodes)
	for _, node := range nodes {
		if _, visited := indices[node]; !visited {
			strongConnect(node)
		}
	}
	return sccs
}

// cyclePath walks edges inside the SCC from its first member back to it.
func cyclePath(scc []string, graph cascadeGraph) []string {
	members := make(map[string]bool, len(scc))
	for _, node := range scc {
		members[node] = true
	}

	start := scc[0]
	path := []string{start}
	visited := map[string]bool{start: true}
	current := start
	for {
		next := ""
		for _, w := range graph[current] {
			if w == start && len(path) > 1 {
				return append(path, start)
			}
			if members[w] && !visited[w] && next == "" {
				next = w
			}
		}
		if next == "" {
			return append(path, start)
		}
		visited[next] = true
		path = append(path, next)
		current = next
	}
}
