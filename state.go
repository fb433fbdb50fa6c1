package bnc

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hixio-mh/kiwibnc/database"
)

type ConnType int

const (
	// ConnTypeOutgoing is an upstream connection from the bouncer to an IRC
	// network.
	ConnTypeOutgoing ConnType = iota
	// ConnTypeIncoming is a downstream connection from an end-user client.
	ConnTypeIncoming
	// ConnTypeListener is a server listener socket.
	ConnTypeListener
)

// Buffer is a channel or query target the user has state with. Buffer
// identity is case-insensitive on Name.
type Buffer struct {
	Name      string    `json:"name"`
	Key       string    `json:"key,omitempty"`
	Joined    bool      `json:"joined"`
	Topic     string    `json:"topic,omitempty"`
	IsChannel bool      `json:"is_channel"`
	LastSeen  time.Time `json:"last_seen"`
}

// SASLCreds are the credentials used for upstream SASL PLAIN.
type SASLCreds struct {
	Account  string `json:"account"`
	Password string `json:"password"`
}

// RegistrationState is the scratch state collected while a downstream client
// registers: the NICK, USER and PASS arguments seen so far.
type RegistrationState struct {
	Nick string `json:"nick"`
	User string `json:"user"`
	Pass string `json:"pass"`
}

// TempData is per-registration scratch. It is persisted together with the
// rest of the record so that a mid-handshake CAP window survives a process
// bounce, and cleared when the transient phase ends.
type TempData struct {
	// CapVersion is non-empty while the client is inside a CAP LS..END
	// window.
	CapVersion string `json:"capping,omitempty"`
	// Reg collects NICK/USER/PASS before registration completes.
	Reg *RegistrationState `json:"reg_state,omitempty"`
	// Queue holds raw lines received during CAP negotiation, replayed in
	// arrival order on CAP END.
	Queue []string `json:"reg_queue,omitempty"`
	// Extra is generic scratch for loadable command modules.
	Extra map[string]string `json:"extra,omitempty"`
}

// ConnectionState is the durable per-connection record. One exists for every
// socket, downstream or upstream. It outlives downstream attaches and, for
// upstream connections, process restarts.
//
// The record is owned by its connection's goroutine. LinkedIncomingConIDs and
// Buffers are also touched from sibling downstream goroutines and are guarded
// by mu.
type ConnectionState struct {
	db *database.DB
	mu sync.Mutex

	ConID         string
	Type          ConnType
	Loaded        bool
	NetRegistered bool
	Connected     bool
	ServerPrefix  string

	Nick      string
	Username  string
	Realname  string
	Account   string
	Password  string
	Host      string
	Port      int
	TLS       bool
	TLSVerify bool
	BindHost  string
	SASL      SASLCreds

	RegistrationLines []string
	ISupports         []string
	Caps              map[string]bool
	Buffers           map[string]*Buffer
	ReceivedMotd      bool

	AuthUserID      int64
	AuthNetworkID   int64
	AuthNetworkName string
	AuthAdmin       bool

	LinkedIncomingConIDs map[string]bool
	Logging              bool
	Temp                 TempData
}

func NewConnectionState(db *database.DB, conID string, typ ConnType) *ConnectionState {
	cs := &ConnectionState{
		db:    db,
		ConID: conID,
		Type:  typ,
	}
	cs.initDefaults()
	return cs
}

func (cs *ConnectionState) initDefaults() {
	cs.ServerPrefix = "bnc"
	cs.RegistrationLines = nil
	cs.ISupports = nil
	cs.Caps = make(map[string]bool)
	cs.Buffers = make(map[string]*Buffer)
	cs.LinkedIncomingConIDs = make(map[string]bool)
	cs.Logging = true
	cs.Temp = TempData{}
}

// MaybeLoad hydrates the record from the database unless already loaded.
func (cs *ConnectionState) MaybeLoad() error {
	if cs.Loaded {
		return nil
	}
	return cs.Load()
}

// Load replaces the in-memory fields from the persisted row. A missing row
// initializes defaults.
func (cs *ConnectionState) Load() error {
	rec, err := cs.db.GetConnection(cs.ConID)
	if err != nil {
		return fmt.Errorf("failed to load connection %q: %v", cs.ConID, err)
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()

	cs.initDefaults()
	cs.Loaded = true
	if rec == nil {
		return nil
	}

	cs.Type = ConnType(rec.Type)
	cs.NetRegistered = rec.NetRegistered
	cs.Connected = rec.Connected
	if rec.ServerPrefix != "" {
		cs.ServerPrefix = rec.ServerPrefix
	}
	cs.Nick = rec.Nick
	cs.Username = rec.Username
	cs.Realname = rec.Realname
	cs.Account = rec.Account
	cs.Password = rec.Password
	cs.Host = rec.Host
	cs.Port = rec.Port
	cs.TLS = rec.TLS
	cs.TLSVerify = rec.TLSVerify
	cs.BindHost = rec.BindHost
	cs.ReceivedMotd = rec.ReceivedMotd
	cs.AuthUserID = rec.AuthUserID
	cs.AuthNetworkID = rec.AuthNetworkID
	cs.AuthNetworkName = rec.AuthNetworkName
	cs.AuthAdmin = rec.AuthAdmin
	cs.Logging = rec.Logging

	unmarshalField(rec.SASL, &cs.SASL)
	unmarshalField(rec.RegistrationLines, &cs.RegistrationLines)
	unmarshalField(rec.ISupports, &cs.ISupports)
	unmarshalField(rec.TempData, &cs.Temp)

	var caps []string
	unmarshalField(rec.Caps, &caps)
	for _, name := range caps {
		cs.Caps[name] = true
	}

	var linked []string
	unmarshalField(rec.LinkedIncomingConIDs, &linked)
	for _, id := range linked {
		cs.LinkedIncomingConIDs[id] = true
	}

	var buffers []*Buffer
	unmarshalField(rec.Buffers, &buffers)
	for _, b := range buffers {
		cs.addBufferLocked(b)
	}

	return nil
}

func unmarshalField(data string, out interface{}) {
	if data == "" {
		return
	}
	// Corrupt scratch data is not worth failing a load over.
	_ = json.Unmarshal([]byte(data), out)
}

// Save upserts the entire record keyed by ConID.
func (cs *ConnectionState) Save() error {
	cs.mu.Lock()
	rec := cs.record()
	cs.mu.Unlock()

	if err := cs.db.StoreConnection(rec); err != nil {
		return fmt.Errorf("failed to save connection %q: %v", cs.ConID, err)
	}
	return nil
}

func (cs *ConnectionState) record() *database.Connection {
	caps := make([]string, 0, len(cs.Caps))
	for name := range cs.Caps {
		caps = append(caps, name)
	}
	sort.Strings(caps)

	linked := make([]string, 0, len(cs.LinkedIncomingConIDs))
	for id := range cs.LinkedIncomingConIDs {
		linked = append(linked, id)
	}
	sort.Strings(linked)

	buffers := make([]*Buffer, 0, len(cs.Buffers))
	for _, b := range cs.Buffers {
		buffers = append(buffers, b)
	}
	sort.Slice(buffers, func(i, j int) bool { return buffers[i].Name < buffers[j].Name })

	return &database.Connection{
		ConID:                cs.ConID,
		Type:                 int(cs.Type),
		NetRegistered:        cs.NetRegistered,
		Connected:            cs.Connected,
		ServerPrefix:         cs.ServerPrefix,
		Nick:                 cs.Nick,
		Username:             cs.Username,
		Realname:             cs.Realname,
		Account:              cs.Account,
		Password:             cs.Password,
		Host:                 cs.Host,
		Port:                 cs.Port,
		TLS:                  cs.TLS,
		TLSVerify:            cs.TLSVerify,
		BindHost:             cs.BindHost,
		SASL:                 marshalField(&cs.SASL),
		RegistrationLines:    marshalField(cs.RegistrationLines),
		ISupports:            marshalField(cs.ISupports),
		Caps:                 marshalField(caps),
		Buffers:              marshalField(buffers),
		ReceivedMotd:         cs.ReceivedMotd,
		AuthUserID:           cs.AuthUserID,
		AuthNetworkID:        cs.AuthNetworkID,
		AuthNetworkName:      cs.AuthNetworkName,
		AuthAdmin:            cs.AuthAdmin,
		LinkedIncomingConIDs: marshalField(linked),
		Logging:              cs.Logging,
		TempData:             marshalField(&cs.Temp),
	}
}

func marshalField(v interface{}) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}

// Destroy removes the persisted row.
func (cs *ConnectionState) Destroy() error {
	return cs.db.DeleteConnection(cs.ConID)
}

// The accessors below guard the fields a connection shares with its peers: an
// upstream's message loop touches the state of its linked downstreams and
// vice versa, concurrently with Save snapshots taken under the same lock.

func (cs *ConnectionState) GetNick() string {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.Nick
}

func (cs *ConnectionState) SetNick(nick string) {
	cs.mu.Lock()
	cs.Nick = nick
	cs.mu.Unlock()
}

func (cs *ConnectionState) SetRealname(realname string) {
	cs.mu.Lock()
	cs.Realname = realname
	cs.mu.Unlock()
}

func (cs *ConnectionState) IsNetRegistered() bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.NetRegistered
}

func (cs *ConnectionState) SetNetRegistered(v bool) {
	cs.mu.Lock()
	cs.NetRegistered = v
	cs.mu.Unlock()
}

func (cs *ConnectionState) AddCap(name string) {
	cs.mu.Lock()
	cs.Caps[name] = true
	cs.mu.Unlock()
}

func (cs *ConnectionState) RemoveCap(name string) {
	cs.mu.Lock()
	delete(cs.Caps, name)
	cs.mu.Unlock()
}

// AppendRegistrationLine records one line of the upstream handshake burst.
func (cs *ConnectionState) AppendRegistrationLine(line string) {
	cs.mu.Lock()
	cs.RegistrationLines = append(cs.RegistrationLines, line)
	cs.mu.Unlock()
}

// RegistrationReplay snapshots the captured handshake burst for replay to an
// attaching client.
func (cs *ConnectionState) RegistrationReplay() []string {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return append([]string(nil), cs.RegistrationLines...)
}

func (cs *ConnectionState) AppendISupports(tokens []string) {
	cs.mu.Lock()
	cs.ISupports = append(cs.ISupports, tokens...)
	cs.mu.Unlock()
}

// BeginSession resets the per-session capture fields for a fresh connect.
func (cs *ConnectionState) BeginSession() error {
	cs.mu.Lock()
	cs.Connected = true
	cs.NetRegistered = false
	cs.ReceivedMotd = false
	cs.RegistrationLines = nil
	cs.ISupports = nil
	cs.mu.Unlock()
	return cs.Save()
}

// MarkRegistered records the end-of-MOTD transition.
func (cs *ConnectionState) MarkRegistered() error {
	cs.mu.Lock()
	cs.ReceivedMotd = true
	cs.NetRegistered = true
	cs.mu.Unlock()
	return cs.Save()
}

// EndSession records a transport disconnect. The row survives for a later
// reconnect.
func (cs *ConnectionState) EndSession() error {
	cs.mu.Lock()
	cs.Connected = false
	cs.NetRegistered = false
	cs.mu.Unlock()
	return cs.Save()
}

// SetCapping opens (or, with an empty version, closes) the CAP negotiation
// window. Every temp mutation persists the record.
func (cs *ConnectionState) SetCapping(version string) error {
	cs.Temp.CapVersion = version
	return cs.Save()
}

func (cs *ConnectionState) Capping() string {
	return cs.Temp.CapVersion
}

// SetRegState replaces the registration scratch; nil clears it.
func (cs *ConnectionState) SetRegState(rs *RegistrationState) error {
	cs.Temp.Reg = rs
	return cs.Save()
}

// PushQueue appends a raw line to the pre-registration queue.
func (cs *ConnectionState) PushQueue(line string) error {
	cs.Temp.Queue = append(cs.Temp.Queue, line)
	return cs.Save()
}

// ShiftQueue pops the oldest queued line.
func (cs *ConnectionState) ShiftQueue() (string, bool, error) {
	if len(cs.Temp.Queue) == 0 {
		return "", false, nil
	}
	line := cs.Temp.Queue[0]
	cs.Temp.Queue = cs.Temp.Queue[1:]
	return line, true, cs.Save()
}

// TempSet writes generic scratch for command modules; an empty value deletes
// the key.
func (cs *ConnectionState) TempSet(key, value string) error {
	if value == "" {
		delete(cs.Temp.Extra, key)
	} else {
		if cs.Temp.Extra == nil {
			cs.Temp.Extra = make(map[string]string)
		}
		cs.Temp.Extra[key] = value
	}
	return cs.Save()
}

func (cs *ConnectionState) TempGet(key string) string {
	return cs.Temp.Extra[key]
}

// isChannelName applies the upstream's naming rule from ISUPPORT. Without any
// upstream context every buffer is assumed to be a channel.
func (cs *ConnectionState) isChannelName(name string) bool {
	if len(cs.ISupports) == 0 {
		return true
	}
	types, ok := isupportValue(cs.ISupports, "CHANTYPES")
	if !ok {
		types = stdChannelTypes
	}
	return isChannelName(name, types)
}

func (cs *ConnectionState) GetBuffer(name string) *Buffer {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.Buffers[casemapASCII(name)]
}

func (cs *ConnectionState) GetOrAddBuffer(name string) *Buffer {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if b, ok := cs.Buffers[casemapASCII(name)]; ok {
		return b
	}
	b := &Buffer{
		Name:      name,
		IsChannel: cs.isChannelName(name),
		LastSeen:  time.Now(),
	}
	cs.addBufferLocked(b)
	return b
}

func (cs *ConnectionState) AddBuffer(b *Buffer) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.addBufferLocked(b)
}

func (cs *ConnectionState) addBufferLocked(b *Buffer) {
	cs.Buffers[casemapASCII(b.Name)] = b
}

func (cs *ConnectionState) DelBuffer(name string) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	delete(cs.Buffers, casemapASCII(name))
}

// RenameBuffer moves a buffer under a new name. If a buffer already exists at
// the new name, that buffer is returned and the rename is a no-op merge.
func (cs *ConnectionState) RenameBuffer(oldName, newName string) *Buffer {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if existing, ok := cs.Buffers[casemapASCII(newName)]; ok {
		return existing
	}
	b, ok := cs.Buffers[casemapASCII(oldName)]
	if b == nil || !ok {
		return nil
	}
	delete(cs.Buffers, casemapASCII(oldName))
	b.Name = newName
	cs.Buffers[casemapASCII(newName)] = b
	return b
}

// ForEachBuffer calls f for every buffer, ordered by name.
func (cs *ConnectionState) ForEachBuffer(f func(*Buffer)) {
	cs.mu.Lock()
	buffers := make([]*Buffer, 0, len(cs.Buffers))
	for _, b := range cs.Buffers {
		buffers = append(buffers, b)
	}
	cs.mu.Unlock()

	sort.Slice(buffers, func(i, j int) bool { return buffers[i].Name < buffers[j].Name })
	for _, b := range buffers {
		f(b)
	}
}

// LinkIncomingConnection attaches a downstream connection id to this upstream
// record.
func (cs *ConnectionState) LinkIncomingConnection(conID string) error {
	cs.mu.Lock()
	cs.LinkedIncomingConIDs[conID] = true
	cs.mu.Unlock()
	return cs.Save()
}

func (cs *ConnectionState) UnlinkIncomingConnection(conID string) error {
	cs.mu.Lock()
	delete(cs.LinkedIncomingConIDs, conID)
	cs.mu.Unlock()
	return cs.Save()
}

// ForEachLinkedClient calls f for every attached downstream connection id,
// skipping exclude.
func (cs *ConnectionState) ForEachLinkedClient(f func(conID string), exclude string) {
	cs.mu.Lock()
	ids := make([]string, 0, len(cs.LinkedIncomingConIDs))
	for id := range cs.LinkedIncomingConIDs {
		if id != exclude {
			ids = append(ids, id)
		}
	}
	cs.mu.Unlock()

	sort.Strings(ids)
	for _, id := range ids {
		f(id)
	}
}

// LoadConnectionInfo resolves the upstream's transport parameters from the
// user store. The network's bind host wins over the owning user's. A deleted
// network clears the transport fields, but the nick of a live connection is
// preserved.
func (cs *ConnectionState) LoadConnectionInfo() error {
	network, err := cs.db.GetNetwork(cs.AuthNetworkID)
	if err != nil {
		return err
	}

	if network == nil {
		cs.Host = ""
		cs.Port = 0
		cs.TLS = false
		cs.TLSVerify = false
		cs.BindHost = ""
		cs.Password = ""
		cs.SASL = SASLCreds{}
		if !cs.Connected {
			cs.Nick = ""
		}
		return cs.Save()
	}

	user, err := cs.db.GetUser(network.UserID)
	if err != nil {
		return err
	}

	bindHost := network.BindHost
	if bindHost == "" && user != nil {
		bindHost = user.BindHost
	}

	cs.Host = network.Host
	cs.Port = network.Port
	cs.TLS = network.TLS
	cs.TLSVerify = network.TLSVerify
	cs.BindHost = bindHost
	cs.Password = network.Password
	cs.Username = network.Username
	cs.Realname = network.Realname
	cs.SASL = SASLCreds{Account: network.SASLAccount, Password: network.SASLPassword}
	cs.AuthNetworkName = network.Name
	if !cs.Connected {
		cs.Nick = network.Nick
	}
	return cs.Save()
}
