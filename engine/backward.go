package engine

import (
	"fmt"
)

// visit states for TopoSort
const (
	unvisited uint8 = iota
	onPath
	done
)

type frame struct {
	id   int32
	next uint8 // index of the next operand to visit
}

// TopoSort returns every node reachable from root ordered so that each node
// appears after all of its operands; root is last. Operands are visited
// first-operand-first, which makes the order, and therefore the
// floating-point accumulation order in Backward, reproducible.
//
// The traversal uses an explicit stack, so graph depth is bounded only by
// memory. Reaching a node that is still on the active path means the graph
// has a cycle, reported as ErrStructural.
func TopoSort(root Value) ([]Value, error) {
	if !root.Valid() {
		return nil, newOpError("Backward", ErrTypeMismatch, "root is not a graph node", root)
	}

	g := root.g
	state := make([]uint8, len(g.nodes))
	order := make([]Value, 0, int(root.id)+1)
	stack := []frame{{id: root.id}}
	state[root.id] = onPath

	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		n := &g.nodes[top.id]

		if top.next < n.arity {
			child := n.operands[top.next]
			top.next++

			switch state[child] {
			case unvisited:
				state[child] = onPath
				stack = append(stack, frame{id: child})
			case onPath:
				return nil, newOpError("Backward", ErrStructural,
					fmt.Sprintf("operand %d of node %d is already on the traversal path", child, top.id),
					Value{g: g, id: child})
			}
			continue
		}

		state[top.id] = done
		order = append(order, Value{g: g, id: top.id})
		stack = stack[:len(stack)-1]
	}

	return order, nil
}

// Backward sets root's gradient to 1 and accumulates d(root)/d(node) into
// the gradient of every node reachable from root.
//
// Gradients are added, never overwritten: calling Backward again without
// ZeroGrad sums the new pass on top of the previous one, which is how
// gradients are accumulated across samples. Callers that want fresh
// gradients must zero them first.
func Backward(root Value) error {
	order, err := TopoSort(root)
	if err != nil {
		return err
	}

	g := root.g
	g.nodes[root.id].grad = 1
	for i := len(order) - 1; i >= 0; i-- {
		g.propagate(order[i].id)
	}
	return nil
}

// Backward is shorthand for Backward(v).
func (v Value) Backward() error {
	return Backward(v)
}
