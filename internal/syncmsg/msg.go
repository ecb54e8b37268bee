// Package syncmsg defines the sync protocol wire taxonomy: every frame is a
// `{type, name, content}` JSON object, where type is REQUEST, RESPONSE or
// ERROR and name selects the protocol step. Content carries the fields the
// step requires; inbound frames are validated before being acted on.
package syncmsg

import (
	"encoding/json"
	"fmt"

	"github.com/driftfs/driftfs/internal/delta"
)

// MsgType is the frame class.
type MsgType string

const (
	TypeRequest  MsgType = "REQUEST"
	TypeResponse MsgType = "RESPONSE"
	TypeError    MsgType = "ERROR"
)

// MsgName selects the protocol step a frame belongs to.
type MsgName string

const (
	NameSync             MsgName = "SYNC"
	NameChksum           MsgName = "CHKSUM"
	NameChecksums        MsgName = "CHECKSUMS"
	NameDiffs            MsgName = "DIFFS"
	NamePatch            MsgName = "PATCH"
	NameVerification     MsgName = "VERIFICATION"
	NameRoot             MsgName = "ROOT"
	NameReset            MsgName = "RESET"
	NameDelay            MsgName = "DELAY"
	NameRename           MsgName = "RENAME"
	NameAuthz            MsgName = "AUTHZ"
	NameLocked           MsgName = "LOCKED"
	NameInterrupted      MsgName = "INTERRUPTED"
	NameContent          MsgName = "CONTENT"
	NameMaxsizeExceeded  MsgName = "MAXSIZE_EXCEEDED"
	NameDownstreamLocked MsgName = "DOWNSTREAM_LOCKED"
	NameNeedsDownstream  MsgName = "NEEDS_DOWNSTREAM"
	NameImpl             MsgName = "IMPL"
	NameFormat           MsgName = "FORMAT"
	NameSrcList          MsgName = "SRCLIST"
)

// SyncMode is the kind of upstream change a sync request announces.
type SyncMode string

const (
	ModeCreate SyncMode = "create"
	ModeRename SyncMode = "rename"
	ModeDelete SyncMode = "delete"
)

// Content is the variant payload of a message. Which fields are required
// depends on the (type, name) pair; see Validate.
type Content struct {
	Path        string              `json:"path,omitempty"`
	OldPath     string              `json:"oldPath,omitempty"`
	Mode        SyncMode            `json:"mode,omitempty"`
	SourceList  []delta.SourceEntry `json:"sourceList,omitempty"`
	Checksums   []delta.Checksum    `json:"checksums,omitempty"`
	Diffs       []delta.Diff        `json:"diffs,omitempty"`
	SyncedPaths []string            `json:"syncedPaths,omitempty"`
	Error       string              `json:"error,omitempty"`
}

// Message is one sync protocol frame.
type Message struct {
	Type    MsgType  `json:"type"`
	Name    MsgName  `json:"name"`
	Content *Content `json:"content,omitempty"`
}

func Request(name MsgName, content *Content) *Message {
	return &Message{Type: TypeRequest, Name: name, Content: content}
}

func Response(name MsgName, content *Content) *Message {
	return &Message{Type: TypeResponse, Name: name, Content: content}
}

func Error(name MsgName, content *Content) *Message {
	return &Message{Type: TypeError, Name: name, Content: content}
}

func (m *Message) IsRequest() bool  { return m.Type == TypeRequest }
func (m *Message) IsResponse() bool { return m.Type == TypeResponse }
func (m *Message) IsError() bool    { return m.Type == TypeError }

func (m *Message) String() string {
	path := ""
	if m.Content != nil {
		path = m.Content.Path
	}
	return fmt.Sprintf("%s/%s %s", m.Type, m.Name, path)
}

var validTypes = map[MsgType]struct{}{
	TypeRequest:  {},
	TypeResponse: {},
	TypeError:    {},
}

var validNames = map[MsgName]struct{}{
	NameSync: {}, NameChksum: {}, NameChecksums: {}, NameDiffs: {},
	NamePatch: {}, NameVerification: {}, NameRoot: {}, NameReset: {},
	NameDelay: {}, NameRename: {}, NameAuthz: {}, NameLocked: {},
	NameInterrupted: {}, NameContent: {}, NameMaxsizeExceeded: {},
	NameDownstreamLocked: {}, NameNeedsDownstream: {}, NameImpl: {},
	NameFormat: {}, NameSrcList: {},
}

// Parse decodes and structurally checks one frame. A failure here is
// answered on the wire with a FORMAT error.
func Parse(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("syncmsg: malformed frame: %w", err)
	}
	if _, ok := validTypes[m.Type]; !ok {
		return nil, fmt.Errorf("syncmsg: unknown message type %q", m.Type)
	}
	if _, ok := validNames[m.Name]; !ok {
		return nil, fmt.Errorf("syncmsg: unknown message name %q", m.Name)
	}
	return &m, nil
}

// Marshal encodes one frame.
func (m *Message) Marshal() ([]byte, error) {
	return json.Marshal(m)
}
