package session

import (
	"encoding/json"
	"fmt"
	"maps"
	"time"
)

// ItemType discriminates the variants of Item
type ItemType string

const (
	ItemTypeMessage    ItemType = "message"
	ItemTypeToolCall   ItemType = "tool_call"
	ItemTypeToolResult ItemType = "tool_result"
)

// Role of a message author
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Item is one entry of a session log. The set of implementations is closed:
// Message, ToolCall and ToolResult.
type Item interface {
	Type() ItemType
	Time() time.Time
	isItem()
}

// Message is a user, assistant or system message
type Message struct {
	Role      Role                   `json:"role"`
	Content   string                 `json:"content"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// ToolCall records a tool invocation requested by the model
type ToolCall struct {
	CallID    string                 `json:"callId"`
	Name      string                 `json:"name"`
	Args      map[string]interface{} `json:"args"`
	Timestamp time.Time              `json:"timestamp"`
}

// ToolResult records the outcome of a ToolCall. Error is set when the call failed.
type ToolResult struct {
	CallID    string    `json:"callId"`
	Name      string    `json:"name"`
	Output    string    `json:"output,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (Message) Type() ItemType    { return ItemTypeMessage }
func (ToolCall) Type() ItemType   { return ItemTypeToolCall }
func (ToolResult) Type() ItemType { return ItemTypeToolResult }

func (m Message) Time() time.Time    { return m.Timestamp }
func (c ToolCall) Time() time.Time   { return c.Timestamp }
func (r ToolResult) Time() time.Time { return r.Timestamp }

func (Message) isItem()    {}
func (ToolCall) isItem()   {}
func (ToolResult) isItem() {}

// IsError reports whether the tool call failed
func (r ToolResult) IsError() bool {
	return r.Error != ""
}

// now returns the current time in a form that survives a JSON round trip unchanged
func now() time.Time {
	return time.Now().UTC().Round(0)
}

// NewUserMessage creates a user message stamped with the current time
func NewUserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content, Timestamp: now()}
}

// NewAssistantMessage creates an assistant message stamped with the current time
func NewAssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content, Timestamp: now()}
}

// NewSystemMessage creates a system message stamped with the current time
func NewSystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content, Timestamp: now()}
}

// NewToolCall creates a tool call item stamped with the current time
func NewToolCall(callID, name string, args map[string]interface{}) ToolCall {
	return ToolCall{CallID: callID, Name: name, Args: jsonMap(args), Timestamp: now()}
}

// NewToolResult creates a tool result item. A non-nil err marks the result as failed.
func NewToolResult(callID, name, output string, err error) ToolResult {
	r := ToolResult{CallID: callID, Name: name, Output: output, Timestamp: now()}
	if err != nil {
		r.Error = err.Error()
	}
	return r
}

// cloneItem returns a copy that shares no maps with item
func cloneItem(item Item) Item {
	switch v := item.(type) {
	case Message:
		v.Metadata = maps.Clone(v.Metadata)
		return v
	case ToolCall:
		v.Args = maps.Clone(v.Args)
		return v
	default:
		return item
	}
}

// normalizeItem rewrites the free-form maps of item into the values a decode
// would produce, so a stored session equals its round-tripped copy
func normalizeItem(item Item) Item {
	switch v := item.(type) {
	case Message:
		v.Metadata = jsonMap(v.Metadata)
		if len(v.Metadata) == 0 {
			v.Metadata = nil
		}
		return v
	case ToolCall:
		v.Args = jsonMap(v.Args)
		return v
	default:
		return item
	}
}

func jsonMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = jsonValue(v)
	}
	return out
}

// jsonValue returns v as encoding/json decodes it: numbers become float64,
// slices []interface{} and structs maps. Values json cannot encode are kept.
func jsonValue(v interface{}) interface{} {
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}

type itemEnvelope struct {
	Type ItemType        `json:"type"`
	Data json.RawMessage `json:"data"`
}

// MarshalItem encodes an item with its discriminant
func MarshalItem(item Item) ([]byte, error) {
	if item == nil {
		return nil, fmt.Errorf("cannot marshal nil item")
	}
	data, err := json.Marshal(item)
	if err != nil {
		return nil, err
	}
	return json.Marshal(itemEnvelope{Type: item.Type(), Data: data})
}

// UnmarshalItem decodes an item produced by MarshalItem. Unknown types are rejected.
func UnmarshalItem(data []byte) (Item, error) {
	var env itemEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to decode item envelope: %w", err)
	}

	switch env.Type {
	case ItemTypeMessage:
		var m Message
		if err := json.Unmarshal(env.Data, &m); err != nil {
			return nil, fmt.Errorf("failed to decode message: %w", err)
		}
		return m, nil
	case ItemTypeToolCall:
		var c ToolCall
		if err := json.Unmarshal(env.Data, &c); err != nil {
			return nil, fmt.Errorf("failed to decode tool call: %w", err)
		}
		return c, nil
	case ItemTypeToolResult:
		var r ToolResult
		if err := json.Unmarshal(env.Data, &r); err != nil {
			return nil, fmt.Errorf("failed to decode tool result: %w", err)
		}
		return r, nil
	default:
		return nil, fmt.Errorf("unknown item type %q", env.Type)
	}
}

// Items is an item log with a JSON codec
type Items []Item

func (it Items) MarshalJSON() ([]byte, error) {
	raw := make([]json.RawMessage, 0, len(it))
	for i, item := range it {
		data, err := MarshalItem(item)
		if err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
		raw = append(raw, data)
	}
	return json.Marshal(raw)
}

func (it *Items) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(Items, 0, len(raw))
	for i, r := range raw {
		item, err := UnmarshalItem(r)
		if err != nil {
			return fmt.Errorf("item %d: %w", i, err)
		}
		out = append(out, item)
	}
	*it = out
	return nil
}
