package vm

// Reactive dependency graph backing watched variables.
//
// A root is a watched local variable. Edges link a node (root or heap
// object) to heap objects it currently references. The graph answers
// one question quickly: "given a mutation of node X, which roots have
// to notify?". Lookup is O(1) through an inverse index; modifications
// pay for that by maintaining per-root reachability sets.
//
// Adding an edge propagates reachability incrementally from the new
// child. Removing an edge cannot be handled locally: a node may still
// be reachable through another path, so each affected root recomputes
// its reachable set with a fresh BFS.

// NodeKind discriminates watch graph node identities.
type NodeKind uint8

const (
	// NodeLocalVar is a local variable, identified by its absolute
	// eval stack index.
	NodeLocalVar NodeKind = iota
	// NodeHeapObject is a pool object, identified by its handle.
	NodeHeapObject
)

// NodeID identifies a node in the watch graph.
type NodeID struct {
	Kind  NodeKind
	Index int
}

// LocalVarNode builds the NodeID of a local variable at an absolute
// stack index.
func LocalVarNode(stackIndex int) NodeID {
	return NodeID{Kind: NodeLocalVar, Index: stackIndex}
}

// HeapObjectNode builds the NodeID of a pool object.
func HeapObjectNode(index ObjectIndex) NodeID {
	return NodeID{Kind: NodeHeapObject, Index: int(index)}
}

// less orders nodes deterministically: local variables before heap
// objects, then by index.
func (n NodeID) less(other NodeID) bool {
	if n.Kind != other.Kind {
		return n.Kind == NodeLocalVar
	}
	return n.Index < other.Index
}

// PathKind discriminates edge labels.
type PathKind uint8

const (
	// PathBinding is a variable binding: `let x -> value`.
	PathBinding PathKind = iota
	// PathInstanceField is an instance field: `instance.field -> value`.
	PathInstanceField
	// PathArrayIndex is an array element: `array[i] -> value`.
	PathArrayIndex
	// PathMapKey is a map entry: `map[key] -> value`.
	PathMapKey
)

// Path labels a parent -> child edge with the reference that created
// it, so re-pointing one field unlinks only that field's edge.
type Path struct {
	Kind  PathKind
	Index int
	Key   string
}

// BindingPath labels a variable binding edge.
func BindingPath() Path { return Path{Kind: PathBinding} }

// FieldPath labels an instance field edge.
func FieldPath(index int) Path { return Path{Kind: PathInstanceField, Index: index} }

// IndexPath labels an array element edge.
func IndexPath(index int) Path { return Path{Kind: PathArrayIndex, Index: index} }

// KeyPath labels a map entry edge.
func KeyPath(key string) Path { return Path{Kind: PathMapKey, Key: key} }

// WatchFilter selects how a root decides whether a change notifies.
type WatchFilter struct {
	Mode WatchFilterMode
	// Function is the filter function handle when Mode == FilterFunction.
	Function ObjectIndex
}

// WatchFilterMode enumerates the filter behaviors.
type WatchFilterMode uint8

const (
	// FilterDefault notifies when a deep-equality diff against the
	// last assigned value reports a change. A first assignment with
	// no prior value always notifies.
	FilterDefault WatchFilterMode = iota
	// FilterManual never auto-notifies; only an explicit notify
	// instruction fires the root.
	FilterManual
	// FilterPaused suppresses the root entirely.
	FilterPaused
	// FilterFunction invokes a user function with the current value
	// and notifies iff it returns true.
	FilterFunction
)

// RootState is the per-root bookkeeping for one watched variable.
type RootState struct {
	// Channel the root notifies on.
	Channel string
	// Value is the root's current value.
	Value Value
	// LastAssigned is a deep copy of the value before the most
	// recent mutation. Unset until the first store.
	LastAssigned *Value
	// LastNotified is the value carried by the most recent
	// delivered notification.
	LastNotified *Value
	// Filter decides whether a change notifies.
	Filter WatchFilter
}

type edge struct {
	path Path
	node NodeID
}

// Watch is the dependency graph with incremental reachability
// maintenance.
type Watch struct {
	// Forward edges: parent -> {(path, child)}.
	children map[NodeID]map[edge]struct{}

	// Reverse edges: child -> {(parent, path)}.
	parents map[NodeID]map[edge]struct{}

	// Per root, the set of nodes it reaches.
	reachableFromRoot map[NodeID]map[NodeID]struct{}

	// Inverse index: per node, the set of roots reaching it.
	rootsReachingNode map[NodeID]map[NodeID]struct{}

	// Active roots.
	roots map[NodeID]*RootState
}

// NewWatch creates an empty graph.
func NewWatch() *Watch {
	return &Watch{
		children:          make(map[NodeID]map[edge]struct{}),
		parents:           make(map[NodeID]map[edge]struct{}),
		reachableFromRoot: make(map[NodeID]map[NodeID]struct{}),
		rootsReachingNode: make(map[NodeID]map[NodeID]struct{}),
		roots:             make(map[NodeID]*RootState),
	}
}

// addEdge records parent.path -> child without propagating
// reachability. LinkEdge is the propagating entry point.
func (w *Watch) addEdge(parent NodeID, path Path, child NodeID) {
	if w.children[parent] == nil {
		w.children[parent] = make(map[edge]struct{})
	}
	w.children[parent][edge{path: path, node: child}] = struct{}{}

	if w.parents[child] == nil {
		w.parents[child] = make(map[edge]struct{})
	}
	w.parents[child][edge{path: path, node: parent}] = struct{}{}
}

// bfsFrom computes every node reachable from start, start included.
func (w *Watch) bfsFrom(start NodeID) map[NodeID]struct{} {
	visited := map[NodeID]struct{}{start: {}}
	queue := []NodeID{start}

	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]

		for e := range w.children[node] {
			if _, seen := visited[e.node]; !seen {
				visited[e.node] = struct{}{}
				queue = append(queue, e.node)
			}
		}
	}
	return visited
}

// RegisterRoot declares a watched root and computes its initial
// reachability.
func (w *Watch) RegisterRoot(root NodeID, state *RootState) {
	w.roots[root] = state

	reachable := w.bfsFrom(root)
	for node := range reachable {
		if w.rootsReachingNode[node] == nil {
			w.rootsReachingNode[node] = make(map[NodeID]struct{})
		}
		w.rootsReachingNode[node][root] = struct{}{}
	}
	w.reachableFromRoot[root] = reachable
}

// UnregisterRoot removes a root when its variable goes out of scope,
// cleaning both cached indexes without a graph traversal.
func (w *Watch) UnregisterRoot(root NodeID) {
	delete(w.roots, root)

	reachable, ok := w.reachableFromRoot[root]
	if !ok {
		return
	}
	delete(w.reachableFromRoot, root)

	for node := range reachable {
		if roots := w.rootsReachingNode[node]; roots != nil {
			delete(roots, root)
			if len(roots) == 0 {
				delete(w.rootsReachingNode, node)
			}
		}
	}
}

// LinkEdge adds parent.path -> child and incrementally extends the
// reachable set of every root that already reaches parent. If child
// is a heap object, its nested object graph is tracked first so the
// propagation covers the whole subgraph.
func (w *Watch) LinkEdge(parent NodeID, path Path, child NodeID, pool *Pool) {
	if child.Kind == NodeHeapObject {
		w.TrackDependencies(FromObject(ObjectIndex(child.Index)), pool)
	}

	w.addEdge(parent, path, child)

	for _, root := range w.RootsReaching(parent) {
		reachable := w.reachableFromRoot[root]
		if reachable == nil {
			reachable = make(map[NodeID]struct{})
			w.reachableFromRoot[root] = reachable
		}

		queue := []NodeID{child}
		for len(queue) > 0 {
			node := queue[0]
			queue = queue[1:]

			// Already-reachable nodes had their descendants indexed
			// when they were linked.
			if _, seen := reachable[node]; seen {
				continue
			}
			reachable[node] = struct{}{}

			if w.rootsReachingNode[node] == nil {
				w.rootsReachingNode[node] = make(map[NodeID]struct{})
			}
			w.rootsReachingNode[node][root] = struct{}{}

			for e := range w.children[node] {
				queue = append(queue, e.node)
			}
		}
	}
}

// UnlinkEdge removes parent.path -> child. A removed edge cannot be
// handled locally (the child may remain reachable through another
// path), so every root that reached the child recomputes its
// reachable set from scratch.
func (w *Watch) UnlinkEdge(parent NodeID, path Path, child NodeID) {
	if edges := w.children[parent]; edges != nil {
		delete(edges, edge{path: path, node: child})
		if len(edges) == 0 {
			delete(w.children, parent)
		}
	}
	if edges := w.parents[child]; edges != nil {
		delete(edges, edge{path: path, node: parent})
		if len(edges) == 0 {
			delete(w.parents, child)
		}
	}

	for _, root := range w.RootsReaching(child) {
		stillReachable := w.bfsFrom(root)

		for node := range w.reachableFromRoot[root] {
			if _, still := stillReachable[node]; still {
				continue
			}
			if roots := w.rootsReachingNode[node]; roots != nil {
				delete(roots, root)
				if len(roots) == 0 {
					delete(w.rootsReachingNode, node)
				}
			}
		}
		w.reachableFromRoot[root] = stillReachable
	}
}

// RootState returns the state of an active root, or nil.
func (w *Watch) RootState(node NodeID) *RootState {
	return w.roots[node]
}

// IsWatched reports whether at least one root reaches the node.
func (w *Watch) IsWatched(node NodeID) bool {
	_, ok := w.rootsReachingNode[node]
	return ok
}

// RootsReaching returns the roots that reach the node.
func (w *Watch) RootsReaching(node NodeID) []NodeID {
	set := w.rootsReachingNode[node]
	if len(set) == 0 {
		return nil
	}
	roots := make([]NodeID, 0, len(set))
	for root := range set {
		roots = append(roots, root)
	}
	return roots
}

// TrackDependencies traverses the object graph under value and builds
// edges from each container to the objects it references. It does not
// declare a root; RegisterRoot is separate.
func (w *Watch) TrackDependencies(value Value, pool *Pool) {
	stack := []Value{value}
	visited := make(map[ObjectIndex]struct{})

	for len(stack) > 0 {
		v := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if !v.IsObject() {
			continue
		}
		index := v.Object()
		if _, seen := visited[index]; seen {
			continue
		}
		visited[index] = struct{}{}

		node := HeapObjectNode(index)

		switch obj := pool.Get(index).(type) {
		case *InstanceObject:
			for fieldIndex, field := range obj.Fields {
				if field.IsObject() {
					w.addEdge(node, FieldPath(fieldIndex), HeapObjectNode(field.Object()))
					stack = append(stack, field)
				}
			}

		case *ArrayObject:
			for i, elem := range obj.Elements {
				if elem.IsObject() {
					w.addEdge(node, IndexPath(i), HeapObjectNode(elem.Object()))
					stack = append(stack, elem)
				}
			}

		case *MapObject:
			for _, key := range obj.Keys {
				entry := obj.Entries[key]
				if entry.IsObject() {
					w.addEdge(node, KeyPath(key), HeapObjectNode(entry.Object()))
					stack = append(stack, entry)
				}
			}

		default:
			// Strings, functions and other leaves have no nested
			// structure.
		}
	}
}
