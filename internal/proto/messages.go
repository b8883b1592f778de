package proto

// Wire records shared by the replication protocol and the persistence
// layer. Field names follow the wire contract; the short keys p, q, e, t
// carry the high-frequency player pose stream.

// UserRecord describes the persisted identity attached to a player entity.
type UserRecord struct {
	ID     string   `msgpack:"id" json:"id"`
	Name   string   `msgpack:"name" json:"name"`
	Roles  []string `msgpack:"roles" json:"roles"`
	Avatar string   `msgpack:"avatar,omitempty" json:"avatar,omitempty"`
}

// HasRole reports whether the user carries the named role.
func (u UserRecord) HasRole(role string) bool {
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// BlueprintRecord is the wire and persistence form of a blueprint version.
type BlueprintRecord struct {
	ID      string         `msgpack:"id" json:"id"`
	Version int            `msgpack:"version" json:"version"`
	Model   string         `msgpack:"model,omitempty" json:"model,omitempty"`
	Script  string         `msgpack:"script,omitempty" json:"script,omitempty"`
	Config  map[string]any `msgpack:"config,omitempty" json:"config,omitempty"`
	Preload bool           `msgpack:"preload,omitempty" json:"preload,omitempty"`
}

// EntityRecord is the wire and persistence form of a live entity.
type EntityRecord struct {
	ID            string         `msgpack:"id" json:"id"`
	Kind          string         `msgpack:"type" json:"type"`
	Owner         string         `msgpack:"owner,omitempty" json:"owner,omitempty"`
	Blueprint     string         `msgpack:"blueprint,omitempty" json:"blueprint,omitempty"`
	Mover         string         `msgpack:"mover,omitempty" json:"mover,omitempty"`
	Uploader      string         `msgpack:"uploader,omitempty" json:"uploader,omitempty"`
	TransformMode string         `msgpack:"transformMode,omitempty" json:"transformMode,omitempty"`
	Position      []float64      `msgpack:"position,omitempty" json:"position,omitempty"`
	Quaternion    []float64      `msgpack:"quaternion,omitempty" json:"quaternion,omitempty"`
	Scale         []float64      `msgpack:"scale,omitempty" json:"scale,omitempty"`
	State         map[string]any `msgpack:"state,omitempty" json:"state,omitempty"`
	User          *UserRecord    `msgpack:"user,omitempty" json:"user,omitempty"`
	Emote         string         `msgpack:"emote,omitempty" json:"emote,omitempty"`
}

// ChatRecord is the wire form of a single chat message.
type ChatRecord struct {
	ID        string `msgpack:"id" json:"id"`
	FromID    string `msgpack:"fromId,omitempty" json:"fromId,omitempty"`
	Author    string `msgpack:"author,omitempty" json:"author,omitempty"`
	Body      string `msgpack:"body" json:"body"`
	Timestamp int64  `msgpack:"timestamp" json:"timestamp"`
}

// Snapshot is the full world state sent to a client on connect.
type Snapshot struct {
	ID         string            `msgpack:"id"`
	ServerTime int64             `msgpack:"serverTime"`
	Chat       []ChatRecord      `msgpack:"chat"`
	Blueprints []BlueprintRecord `msgpack:"blueprints"`
	Entities   []EntityRecord    `msgpack:"entities"`
	AuthToken  string            `msgpack:"authToken"`
}

// EntityModified is a partial entity record. Every field other than ID is
// optional; pointer fields distinguish "absent" from "set to the zero
// value", which is how mover/uploader tags are cleared (pointer to the
// empty string).
type EntityModified struct {
	ID            string         `msgpack:"id"`
	Blueprint     *string        `msgpack:"blueprint,omitempty"`
	Mover         *string        `msgpack:"mover,omitempty"`
	Uploader      *string        `msgpack:"uploader,omitempty"`
	TransformMode *string        `msgpack:"transformMode,omitempty"`
	Position      []float64      `msgpack:"position,omitempty"`
	Quaternion    []float64      `msgpack:"quaternion,omitempty"`
	Scale         []float64      `msgpack:"scale,omitempty"`
	State         map[string]any `msgpack:"state,omitempty"`
	User          *UserRecord    `msgpack:"user,omitempty"`

	// Pose stream short keys: position, quaternion, emote, teleport flag.
	P []float64 `msgpack:"p,omitempty"`
	Q []float64 `msgpack:"q,omitempty"`
	E string    `msgpack:"e,omitempty"`
	T bool      `msgpack:"t,omitempty"`
}

// EntityRemoved announces entity removal.
type EntityRemoved struct {
	ID string `msgpack:"id"`
}

// EntityAdded carries the full record of a newly created entity.
type EntityAdded struct {
	Entity EntityRecord `msgpack:"entity"`
}

// EntityEvent is a scripted event targeted at one entity. It travels as a
// four-element array to keep the hot app-event path compact.
type EntityEvent struct {
	_msgpack struct{} `msgpack:",as_array"`

	EntityID string
	Version  int
	Name     string
	Data     any
}

// PlayerTeleport moves a player to a new pose; remotes snap instead of
// interpolating.
type PlayerTeleport struct {
	ID       string    `msgpack:"id"`
	Position []float64 `msgpack:"position"`
	Yaw      *float64  `msgpack:"yaw,omitempty"`
}

// Ping and Pong carry the keepalive timestamp for RTT measurement.
type Ping struct {
	Time int64 `msgpack:"time"`
}

// Pong echoes the ping timestamp.
type Pong struct {
	Time int64 `msgpack:"time"`
}
