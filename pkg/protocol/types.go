package protocol

import "encoding/json"

// Packet type tags as they appear on the wire
const (
	TypeHardwareState          = "hardware_state"
	TypeLogEntry               = "log_entry"
	TypeDemoProcState          = "demo_proc_state"
	TypeInteractiveSession     = "interactive_session"
	TypeScriptInteractive      = "script_interactive_session"
	TypeNodeStatus             = "node_status"
	TypeFileTransfer           = "file_transfer"
	TypeNodeAdditionRequest    = "node_addition_request"
	TypeNodeAdditionManagement = "node_addition_management"
)

// Message is the standard wrapper for all WebSocket communications
type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Packet is implemented by every typed variant carried inside a Message.
type Packet interface {
	Type() string
}

// HardwareState carries one collector sample. Payload is the JSON document
// produced by the collector, base64 encoded so routing never inspects it.
type HardwareState struct {
	Kind    string `json:"kind"`
	Payload Blob   `json:"payload"`
}

func (*HardwareState) Type() string { return TypeHardwareState }

type LogEntry struct {
	Kind string `json:"kind"`
	Name string `json:"name"`
	Log  Blob   `json:"log"`
}

func (*LogEntry) Type() string { return TypeLogEntry }

type DemoProcState struct {
	Name    string `json:"name"`
	State   string `json:"state"`
	PID     int    `json:"pid,omitempty"`
	Payload Blob   `json:"payload,omitempty"`
}

func (*DemoProcState) Type() string { return TypeDemoProcState }

// Session actions
const (
	ActionRegister = "register"
)

// InteractiveSession is the single packet shape used for every step of an
// interactive session: launch (TargetMachine + Executable), data (Value),
// join (Action) and termination (ReturnValue).
type InteractiveSession struct {
	UUID          string `json:"uuid"`
	Executable    string `json:"executable,omitempty"`
	Value         Blob   `json:"value,omitempty"`
	ReturnValue   *int   `json:"return_value,omitempty"`
	TargetMachine string `json:"target_machine,omitempty"`
	Action        string `json:"action,omitempty"`
}

func (*InteractiveSession) Type() string { return TypeInteractiveSession }

// Terminal reports whether the packet ends its session.
func (p *InteractiveSession) Terminal() bool { return p.ReturnValue != nil }

func (p *InteractiveSession) validate() error {
	if p.UUID == "" {
		return errMissingField("uuid")
	}
	return nil
}

// Script execution modes
const (
	ScriptModeUpload = "upload"
	ScriptModePush   = "push"
)

type ScriptInteractiveSession struct {
	Script      string   `json:"script"`
	Targets     []string `json:"targets"`
	Interpreter string   `json:"interpreter,omitempty"`
	Mode        string   `json:"mode,omitempty"`
}

func (*ScriptInteractiveSession) Type() string { return TypeScriptInteractive }

func (p *ScriptInteractiveSession) validate() error {
	if len(p.Targets) == 0 {
		return errMissingField("targets")
	}
	return nil
}

// Node status actions
const (
	NodeStatusList = "list_nodes"
)

type NodeInfo struct {
	UID        string `json:"uid"`
	Online     bool   `json:"online"`
	LastSeen   int64  `json:"last_seen"`
	Generation uint64 `json:"generation"`
}

type NodeStatus struct {
	Action     string     `json:"action"`
	NodeStatus []NodeInfo `json:"node_status,omitempty"`
}

func (*NodeStatus) Type() string { return TypeNodeStatus }

type FileTransfer struct {
	Path    string `json:"path"`
	Content Blob   `json:"content"`
	Mode    string `json:"mode"`
	Owner   string `json:"owner"`
}

func (*FileTransfer) Type() string { return TypeFileTransfer }

func (p *FileTransfer) validate() error {
	if p.Path == "" {
		return errMissingField("path")
	}
	return nil
}

type NodeAdditionRequest struct {
	IP            string `json:"ip"`
	Username      string `json:"username"`
	Password      string `json:"password"`
	SourceNodeUID string `json:"source_node_uid"`
}

func (*NodeAdditionRequest) Type() string { return TypeNodeAdditionRequest }

func (p *NodeAdditionRequest) validate() error {
	if p.IP == "" {
		return errMissingField("ip")
	}
	if p.SourceNodeUID == "" {
		return errMissingField("source_node_uid")
	}
	return nil
}

// Node addition states
const (
	AdditionPending   = "pending"
	AdditionInstalled = "installed"
	AdditionFailed    = "failed"
)

type NodeAdditionManagement struct {
	NodeUID string `json:"node_uid"`
	State   string `json:"state"`
	Message string `json:"message"`
}

func (*NodeAdditionManagement) Type() string { return TypeNodeAdditionManagement }
