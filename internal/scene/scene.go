// Package scene implements the arena-indexed scene graph. Nodes refer to
// their parent by index, so subtrees never form reference cycles; Attach
// recomposes the child's world transform into the new parent's space.
package scene

import (
	"github.com/go-gl/mathgl/mgl64"
	"github.com/rotisserie/eris"
)

// NodeID indexes a node inside the arena. The zero value is invalid;
// the root of the world graph is always node 1.
type NodeID int32

// None marks the absence of a node.
const None NodeID = 0

// Transform is a local TRS decomposition.
type Transform struct {
	Position mgl64.Vec3
	Rotation mgl64.Quat
	Scale    mgl64.Vec3
}

// Identity returns the identity transform.
func Identity() Transform {
	return Transform{Rotation: mgl64.QuatIdent(), Scale: mgl64.Vec3{1, 1, 1}}
}

// Mat4 composes the TRS into a matrix.
func (t Transform) Mat4() mgl64.Mat4 {
	translate := mgl64.Translate3D(t.Position.X(), t.Position.Y(), t.Position.Z())
	rotate := t.Rotation.Mat4()
	scale := mgl64.Scale3D(t.Scale.X(), t.Scale.Y(), t.Scale.Z())
	return translate.Mul4(rotate).Mul4(scale)
}

type node struct {
	alive    bool
	gen      uint32
	parent   NodeID
	children []NodeID
	local    Transform
	active   bool
	name     string
	payload  any
}

// Arena owns every scene node. Single-goroutine use only; all mutations
// happen on the simulation loop.
type Arena struct {
	nodes []node
	free  []NodeID
}

// ErrDeadNode reports use of a removed or never-allocated node.
var ErrDeadNode = eris.New("dead scene node")

// NewArena returns an arena containing only the world root (node 1),
// which is always active.
func NewArena() *Arena {
	a := &Arena{nodes: make([]node, 2)}
	a.nodes[1] = node{alive: true, local: Identity(), active: true, name: "root"}
	return a
}

// Root returns the world root node.
func (a *Arena) Root() NodeID {
	return 1
}

func (a *Arena) get(id NodeID) (*node, error) {
	if id <= 0 || int(id) >= len(a.nodes) || !a.nodes[id].alive {
		return nil, eris.Wrapf(ErrDeadNode, "node %d", id)
	}
	return &a.nodes[id], nil
}

// New allocates a detached, inactive node with an identity transform.
func (a *Arena) New(name string) NodeID {
	var id NodeID
	if n := len(a.free); n > 0 {
		id = a.free[n-1]
		a.free = a.free[:n-1]
		gen := a.nodes[id].gen + 1
		a.nodes[id] = node{alive: true, gen: gen, local: Identity(), name: name}
	} else {
		a.nodes = append(a.nodes, node{alive: true, local: Identity(), name: name})
		id = NodeID(len(a.nodes) - 1)
	}
	return id
}

// Name returns the node's name.
func (a *Arena) Name(id NodeID) string {
	n, err := a.get(id)
	if err != nil {
		return ""
	}
	return n.name
}

// SetPayload attaches an opaque value (a physics body handle, a render
// mesh) to the node.
func (a *Arena) SetPayload(id NodeID, v any) error {
	n, err := a.get(id)
	if err != nil {
		return err
	}
	n.payload = v
	return nil
}

// Payload returns the opaque value attached to the node.
func (a *Arena) Payload(id NodeID) any {
	n, err := a.get(id)
	if err != nil {
		return nil
	}
	return n.payload
}

// Local returns the node's local transform.
func (a *Arena) Local(id NodeID) (Transform, error) {
	n, err := a.get(id)
	if err != nil {
		return Transform{}, err
	}
	return n.local, nil
}

// SetLocal replaces the node's local transform.
func (a *Arena) SetLocal(id NodeID, t Transform) error {
	n, err := a.get(id)
	if err != nil {
		return err
	}
	n.local = t
	return nil
}

// Parent returns the parent id or None for detached nodes and the root.
func (a *Arena) Parent(id NodeID) NodeID {
	n, err := a.get(id)
	if err != nil {
		return None
	}
	return n.parent
}

// Children returns a copy of the child list.
func (a *Arena) Children(id NodeID) []NodeID {
	n, err := a.get(id)
	if err != nil {
		return nil
	}
	out := make([]NodeID, len(n.children))
	copy(out, n.children)
	return out
}

// World returns the node's composed world transform.
func (a *Arena) World(id NodeID) (mgl64.Mat4, error) {
	n, err := a.get(id)
	if err != nil {
		return mgl64.Ident4(), err
	}
	m := n.local.Mat4()
	for n.parent != None {
		p, err := a.get(n.parent)
		if err != nil {
			return mgl64.Ident4(), err
		}
		m = p.local.Mat4().Mul4(m)
		n = p
	}
	return m, nil
}

// Attach reparents the child, preserving its world pose: the child's world
// transform is recomposed into the new parent's local space before
// insertion. Cycles are rejected.
func (a *Arena) Attach(child, parent NodeID) error {
	c, err := a.get(child)
	if err != nil {
		return err
	}
	if _, err := a.get(parent); err != nil {
		return err
	}
	if child == parent {
		return eris.New("cannot attach a node to itself")
	}
	for anc := parent; anc != None; anc = a.Parent(anc) {
		if anc == child {
			return eris.New("attach would create a cycle")
		}
	}

	world, err := a.World(child)
	if err != nil {
		return err
	}
	parentWorld, err := a.World(parent)
	if err != nil {
		return err
	}

	a.detachLocked(child)

	local := parentWorld.Inv().Mul4(world)
	c.local = decompose(local)
	c.parent = parent
	p, _ := a.get(parent)
	p.children = append(p.children, child)
	return nil
}

// Detach removes the node from its parent, keeping its local transform.
func (a *Arena) Detach(id NodeID) error {
	if _, err := a.get(id); err != nil {
		return err
	}
	a.detachLocked(id)
	return nil
}

func (a *Arena) detachLocked(id NodeID) {
	n := &a.nodes[id]
	if n.parent == None {
		return
	}
	p := &a.nodes[n.parent]
	for i, c := range p.children {
		if c == id {
			p.children = append(p.children[:i], p.children[i+1:]...)
			break
		}
	}
	n.parent = None
}

// SetActive toggles the node and its whole subtree.
func (a *Arena) SetActive(id NodeID, active bool) error {
	n, err := a.get(id)
	if err != nil {
		return err
	}
	n.active = active
	for _, c := range a.Children(id) {
		_ = a.SetActive(c, active)
	}
	return nil
}

// Active reports the node's own flag; a node renders and collides only
// when every ancestor is active too, see EffectiveActive.
func (a *Arena) Active(id NodeID) bool {
	n, err := a.get(id)
	if err != nil {
		return false
	}
	return n.active
}

// EffectiveActive reports whether the node and all its ancestors are
// active.
func (a *Arena) EffectiveActive(id NodeID) bool {
	for cur := id; cur != None; cur = a.Parent(cur) {
		if !a.Active(cur) {
			return false
		}
	}
	return id != None
}

// Remove frees the node and its subtree. Freed slots are recycled with a
// bumped generation so stale ids read as dead.
func (a *Arena) Remove(id NodeID) error {
	n, err := a.get(id)
	if err != nil {
		return err
	}
	for _, c := range a.Children(id) {
		_ = a.Remove(c)
	}
	a.detachLocked(id)
	n.alive = false
	n.payload = nil
	n.children = nil
	a.free = append(a.free, id)
	return nil
}

// Alive reports whether the id names a live node.
func (a *Arena) Alive(id NodeID) bool {
	_, err := a.get(id)
	return err == nil
}

// Len counts live nodes, the root included.
func (a *Arena) Len() int {
	count := 0
	for i := 1; i < len(a.nodes); i++ {
		if a.nodes[i].alive {
			count++
		}
	}
	return count
}

// decompose splits an affine TRS matrix back into components. Shear is not
// representable and is discarded.
func decompose(m mgl64.Mat4) Transform {
	pos := mgl64.Vec3{m.At(0, 3), m.At(1, 3), m.At(2, 3)}

	xAxis := mgl64.Vec3{m.At(0, 0), m.At(1, 0), m.At(2, 0)}
	yAxis := mgl64.Vec3{m.At(0, 1), m.At(1, 1), m.At(2, 1)}
	zAxis := mgl64.Vec3{m.At(0, 2), m.At(1, 2), m.At(2, 2)}
	scale := mgl64.Vec3{xAxis.Len(), yAxis.Len(), zAxis.Len()}

	// Negative determinant means one axis is mirrored.
	if m.Det() < 0 {
		scale[0] = -scale[0]
	}

	rot := mgl64.Ident3()
	if scale.X() != 0 {
		xAxis = xAxis.Mul(1 / scale.X())
	}
	if scale.Y() != 0 {
		yAxis = yAxis.Mul(1 / scale.Y())
	}
	if scale.Z() != 0 {
		zAxis = zAxis.Mul(1 / scale.Z())
	}
	rot.Set(0, 0, xAxis.X())
	rot.Set(1, 0, xAxis.Y())
	rot.Set(2, 0, xAxis.Z())
	rot.Set(0, 1, yAxis.X())
	rot.Set(1, 1, yAxis.Y())
	rot.Set(2, 1, yAxis.Z())
	rot.Set(0, 2, zAxis.X())
	rot.Set(1, 2, zAxis.Y())
	rot.Set(2, 2, zAxis.Z())

	return Transform{
		Position: pos,
		Rotation: mgl64.Mat4ToQuat(rot.Mat4()),
		Scale:    scale,
	}
}
