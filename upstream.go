package bnc

import (
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-sasl"
	"gopkg.in/irc.v3"

	"github.com/hixio-mh/kiwibnc/database"
)

var connectTimeout = 30 * time.Second

// permanentUpstreamCaps is the static list of upstream capabilities always
// requested when offered.
var permanentUpstreamCaps = map[string]bool{
	"away-notify":  true,
	"message-tags": true,
	"multi-prefix": true,
	"server-time":  true,
}

type upstreamConn struct {
	srv    *Server
	logger Logger
	state  *ConnectionState

	// mu guards the transport of the current session. Writes go through
	// SendMessage, which serializes on it.
	mu  sync.Mutex
	net net.Conn
	irc *irc.Conn

	availableCaps map[string]string
	capsRequested bool
	saslClient    sasl.Client
	saslStarted   bool
}

// outgoingConID is the stable identifier of a user's upstream connection to a
// network. At most one such record exists per (user, network) pair.
func outgoingConID(userID, networkID int64) string {
	return fmt.Sprintf("upstream.%d.%d", userID, networkID)
}

func newUpstreamConn(srv *Server, state *ConnectionState) *upstreamConn {
	return &upstreamConn{
		srv:    srv,
		logger: &prefixLogger{srv.Logger, fmt.Sprintf("upstream %q: ", state.ConID)},
		state:  state,
	}
}

// makeUpstream returns the user's upstream for the network, creating and
// indexing the record when absent. Find and insert are atomic on the
// registry, keeping one outgoing connection per (user, network) pair. It does
// not dial; callers invoke open.
func (s *Server) makeUpstream(network *database.Network) (*upstreamConn, error) {
	return s.registry.FindOrAddUpstream(network.UserID, network.ID, func() (*upstreamConn, error) {
		state := NewConnectionState(s.db, outgoingConID(network.UserID, network.ID), ConnTypeOutgoing)
		if err := state.MaybeLoad(); err != nil {
			return nil, err
		}
		state.Type = ConnTypeOutgoing
		state.AuthUserID = network.UserID
		state.AuthNetworkID = network.ID
		state.AuthNetworkName = network.Name
		if err := state.LoadConnectionInfo(); err != nil {
			return nil, err
		}
		return newUpstreamConn(s, state), nil
	})
}

// resumeUpstream rebuilds an upstream from a persisted record after a process
// restart and reconnects it if it was connected before.
func (s *Server) resumeUpstream(rec *database.Connection) error {
	state := NewConnectionState(s.db, rec.ConID, ConnTypeOutgoing)
	if err := state.Load(); err != nil {
		return err
	}
	wasConnected := state.Connected
	state.Connected = false
	state.NetRegistered = false

	uc := newUpstreamConn(s, state)
	s.registry.AddUpstream(uc)
	if wasConnected {
		go func() {
			if err := uc.open(); err != nil {
				uc.logger.Printf("failed to resume: %v", err)
			}
		}()
	}
	return nil
}

func (uc *upstreamConn) isConnected() bool {
	uc.mu.Lock()
	defer uc.mu.Unlock()
	return uc.net != nil
}

// open dials the upstream and runs its message loop until disconnect. It
// returns once the session ends.
func (uc *upstreamConn) open() error {
	uc.mu.Lock()
	if uc.net != nil {
		uc.mu.Unlock()
		return nil
	}
	uc.mu.Unlock()

	if err := uc.state.LoadConnectionInfo(); err != nil {
		return err
	}
	if uc.state.Host == "" {
		return fmt.Errorf("no host configured for %q", uc.state.ConID)
	}

	addr := net.JoinHostPort(uc.state.Host, strconv.Itoa(uc.state.Port))
	dialer := net.Dialer{Timeout: connectTimeout}
	if uc.state.BindHost != "" {
		dialer.LocalAddr = &net.TCPAddr{IP: net.ParseIP(uc.state.BindHost)}
	}

	uc.logger.Printf("connecting to %q", addr)
	netConn, err := dialer.Dial("tcp", addr)
	if err != nil {
		uc.srv.metrics.upstreamConnectErrorsTotal.Inc()
		uc.notifyClients(fmt.Sprintf("Failed to connect to %s: %v", uc.state.AuthNetworkName, err))
		return fmt.Errorf("failed to dial %q: %v", addr, err)
	}
	if uc.state.TLS {
		netConn = tls.Client(netConn, &tls.Config{
			ServerName:         uc.state.Host,
			InsecureSkipVerify: !uc.state.TLSVerify,
		})
	}

	uc.mu.Lock()
	uc.net = netConn
	uc.irc = irc.NewConn(netConn)
	uc.mu.Unlock()

	uc.availableCaps = make(map[string]string)
	uc.capsRequested = false
	uc.saslClient = nil
	uc.saslStarted = false

	if err := uc.state.BeginSession(); err != nil {
		return err
	}

	uc.srv.metrics.upstreams.Add(1)
	uc.register()
	err = uc.readMessages()
	uc.handleDisconnect(err)
	return err
}

// register sends the upstream-side registration commands.
func (uc *upstreamConn) register() {
	nick := uc.state.GetNick()
	if nick == "" {
		nick = uc.state.Account
	}
	username := uc.state.Username
	if username == "" {
		username = nick
	}
	realname := uc.state.Realname
	if realname == "" {
		realname = nick
	}

	uc.SendMessage(&irc.Message{
		Command: "CAP",
		Params:  []string{"LS", "302"},
	})
	if uc.state.Password != "" {
		uc.SendMessage(&irc.Message{
			Command: "PASS",
			Params:  []string{uc.state.Password},
		})
	}
	uc.SendMessage(&irc.Message{
		Command: "NICK",
		Params:  []string{nick},
	})
	uc.SendMessage(&irc.Message{
		Command: "USER",
		Params:  []string{username, "0", "*", realname},
	})
}

func (uc *upstreamConn) readMessages() error {
	for {
		uc.mu.Lock()
		conn := uc.irc
		uc.mu.Unlock()
		if conn == nil {
			return nil
		}

		msg, err := conn.ReadMessage()
		if err == io.EOF {
			return nil
		} else if err != nil {
			if !uc.isConnected() {
				return nil
			}
			return fmt.Errorf("failed to read IRC command: %v", err)
		}

		if uc.srv.Debug {
			uc.logger.Printf("received: %v", msg)
		}

		if err := uc.handleMessage(msg); err != nil {
			uc.logger.Printf("failed to handle message %q: %v", msg, err)
		}
	}
}

func (uc *upstreamConn) SendMessage(msg *irc.Message) {
	uc.mu.Lock()
	defer uc.mu.Unlock()
	if uc.irc == nil {
		uc.logger.Printf("dropping message to disconnected upstream: %v", msg)
		return
	}
	if uc.srv.Debug {
		uc.logger.Printf("sent: %v", msg)
	}
	if err := uc.irc.WriteMessage(msg); err != nil {
		uc.logger.Printf("failed to write message: %v", err)
	}
}

// Close tears down the current session. The connection record stays around
// for a later reconnect.
func (uc *upstreamConn) Close() error {
	uc.mu.Lock()
	netConn := uc.net
	uc.net = nil
	uc.irc = nil
	uc.mu.Unlock()

	if netConn == nil {
		return fmt.Errorf("upstream connection already closed")
	}
	return netConn.Close()
}

func (uc *upstreamConn) handleDisconnect(cause error) {
	uc.mu.Lock()
	if uc.net != nil {
		uc.net.Close()
		uc.net = nil
		uc.irc = nil
	}
	uc.mu.Unlock()

	uc.srv.metrics.upstreams.Add(-1)

	if err := uc.state.EndSession(); err != nil {
		uc.logger.Printf("failed to save state on disconnect: %v", err)
	}

	text := fmt.Sprintf("Disconnected from %s", uc.state.AuthNetworkName)
	if cause != nil {
		text = fmt.Sprintf("%s: %v", text, cause)
	}
	uc.notifyClients(text)
	uc.logger.Printf("disconnected")
}

// notifyClients sends a status NOTICE to every attached downstream.
func (uc *upstreamConn) notifyClients(text string) {
	uc.forEachClient(func(dc *downstreamConn) {
		target := dc.state.GetNick()
		if target == "" {
			target = "*"
		}
		dc.SendMessage(&irc.Message{
			Prefix:  &irc.Prefix{Name: uc.state.ServerPrefix},
			Command: "NOTICE",
			Params:  []string{target, text},
		})
	}, "")
}

// forEachClient iterates the attached downstreams, skipping excludeConID.
func (uc *upstreamConn) forEachClient(f func(*downstreamConn), excludeConID string) {
	uc.state.ForEachLinkedClient(func(conID string) {
		if dc := uc.srv.registry.GetDownstream(conID); dc != nil {
			f(dc)
		}
	}, excludeConID)
}

func (uc *upstreamConn) isOwnPrefix(prefix *irc.Prefix) bool {
	return prefix != nil && casemapASCII(prefix.Name) == casemapASCII(uc.state.GetNick())
}

func (uc *upstreamConn) handleMessage(msg *irc.Message) error {
	switch msg.Command {
	case "PING":
		uc.SendMessage(&irc.Message{
			Command: "PONG",
			Params:  msg.Params,
		})
		return nil
	case "CAP":
		return uc.handleCapMessage(msg)
	case "AUTHENTICATE":
		return uc.handleAuthenticateMessage(msg)
	case irc.RPL_LOGGEDIN:
		uc.logger.Printf("logged in")
		return nil
	case irc.RPL_SASLSUCCESS:
		uc.endCapNegotiation()
		return nil
	case irc.ERR_NICKLOCKED, irc.ERR_SASLFAIL, irc.ERR_SASLTOOLONG, irc.ERR_SASLABORTED:
		uc.logger.Printf("SASL authentication failed: %v", msg)
		uc.endCapNegotiation()
		return nil
	}

	if !uc.state.IsNetRegistered() {
		return uc.handleRegistrationMessage(msg)
	}
	return uc.handleRegisteredMessage(msg)
}

// handleRegistrationMessage captures the upstream handshake burst between
// connect and end-of-MOTD so it can be replayed to re-attaching clients.
func (uc *upstreamConn) handleRegistrationMessage(msg *irc.Message) error {
	if isNumeric(msg.Command) && msg.Command[0] != '9' {
		uc.state.AppendRegistrationLine(msg.String())
	}

	switch msg.Command {
	case irc.RPL_WELCOME:
		var nick string
		if err := parseMessageParams(msg, &nick); err != nil {
			return err
		}
		uc.state.SetNick(nick)
		return uc.state.Save()
	case irc.RPL_ISUPPORT:
		// trailing param is the "are supported" text
		if len(msg.Params) > 2 {
			uc.state.AppendISupports(msg.Params[1 : len(msg.Params)-1])
		}
		return nil
	case irc.RPL_ENDOFMOTD, irc.ERR_NOMOTD:
		if err := uc.state.MarkRegistered(); err != nil {
			return err
		}
		uc.logger.Printf("registered on %q", uc.state.AuthNetworkName)

		uc.forEachClient(func(dc *downstreamConn) {
			if dc.state.IsNetRegistered() {
				dc.writeStatus(fmt.Sprintf("Connected to %s", uc.state.AuthNetworkName))
			} else {
				uc.registerClient(dc)
			}
		}, "")
		return nil
	case "ERROR":
		return fmt.Errorf("upstream error during registration: %v", msg)
	}
	return nil
}

func (uc *upstreamConn) handleRegisteredMessage(msg *irc.Message) error {
	dirty := false

	switch msg.Command {
	case "JOIN":
		var name string
		if err := parseMessageParams(msg, &name); err != nil {
			return err
		}
		if uc.isOwnPrefix(msg.Prefix) {
			b := uc.state.GetOrAddBuffer(name)
			b.Joined = true
			dirty = true
		}
	case "PART":
		var name string
		if err := parseMessageParams(msg, &name); err != nil {
			return err
		}
		if uc.isOwnPrefix(msg.Prefix) {
			if b := uc.state.GetBuffer(name); b != nil {
				b.Joined = false
				dirty = true
			}
		}
	case "KICK":
		var name, kicked string
		if err := parseMessageParams(msg, &name, &kicked); err != nil {
			return err
		}
		if casemapASCII(kicked) == casemapASCII(uc.state.GetNick()) {
			if b := uc.state.GetBuffer(name); b != nil {
				b.Joined = false
				dirty = true
			}
		}
	case "NICK":
		var newNick string
		if err := parseMessageParams(msg, &newNick); err != nil {
			return err
		}
		if uc.isOwnPrefix(msg.Prefix) {
			uc.state.SetNick(newNick)
			dirty = true
		}
	case "TOPIC":
		var name, topic string
		if err := parseMessageParams(msg, &name, &topic); err != nil {
			return err
		}
		uc.state.GetOrAddBuffer(name).Topic = topic
		dirty = true
	case irc.RPL_TOPIC:
		var name, topic string
		if err := parseMessageParams(msg, nil, &name, &topic); err != nil {
			return err
		}
		uc.state.GetOrAddBuffer(name).Topic = topic
		dirty = true
	case "PRIVMSG", "NOTICE":
		var target, text string
		if err := parseMessageParams(msg, &target, &text); err != nil {
			return err
		}
		name := target
		if casemapASCII(target) == casemapASCII(uc.state.GetNick()) && msg.Prefix != nil {
			name = msg.Prefix.Name
		}
		b := uc.state.GetOrAddBuffer(name)
		b.LastSeen = time.Now()
		dirty = true

		if uc.state.Logging {
			err := uc.srv.msgStore.Append(uc.state.AuthUserID, uc.state.AuthNetworkID, b.Name, msg.String(), time.Now())
			if err != nil {
				return fmt.Errorf("failed to store message: %v", err)
			}
		}
	}

	if dirty {
		if err := uc.state.Save(); err != nil {
			return err
		}
	}

	uc.srv.metrics.linesRoutedTotal.Inc()
	uc.forEachClient(func(dc *downstreamConn) {
		dc.SendMessage(msg)
	}, "")
	return nil
}

func (uc *upstreamConn) handleCapMessage(msg *irc.Message) error {
	var subCmd string
	if err := parseMessageParams(msg, nil, &subCmd); err != nil {
		return err
	}
	subCmd = strings.ToUpper(subCmd)
	subParams := msg.Params[2:]

	switch subCmd {
	case "LS":
		if len(subParams) == 0 {
			return newNeedMoreParamsError("CAP")
		}
		caps := subParams[len(subParams)-1]
		more := len(subParams) >= 2 && subParams[0] == "*"

		for _, s := range strings.Fields(caps) {
			kv := strings.SplitN(s, "=", 2)
			k := strings.ToLower(kv[0])
			var v string
			if len(kv) == 2 {
				v = kv[1]
			}
			uc.availableCaps[k] = v
		}

		if more || uc.capsRequested {
			return nil
		}
		uc.capsRequested = true

		var request []string
		for name := range permanentUpstreamCaps {
			if _, ok := uc.availableCaps[name]; ok {
				request = append(request, name)
			}
		}
		if _, ok := uc.availableCaps["sasl"]; ok && uc.state.SASL.Account != "" {
			request = append(request, "sasl")
		}

		if len(request) == 0 {
			uc.endCapNegotiation()
			return nil
		}
		uc.SendMessage(&irc.Message{
			Command: "CAP",
			Params:  []string{"REQ", strings.Join(request, " ")},
		})
	case "ACK", "NAK":
		if len(subParams) == 0 {
			return newNeedMoreParamsError("CAP")
		}
		wantSASL := false
		for _, name := range strings.Fields(subParams[len(subParams)-1]) {
			name = strings.ToLower(name)
			if subCmd == "ACK" {
				uc.state.AddCap(name)
				if name == "sasl" {
					wantSASL = true
				}
			} else {
				uc.state.RemoveCap(name)
			}
		}
		if err := uc.state.Save(); err != nil {
			return err
		}

		if wantSASL && uc.state.SASL.Account != "" {
			uc.saslClient = sasl.NewPlainClient("", uc.state.SASL.Account, uc.state.SASL.Password)
			uc.SendMessage(&irc.Message{
				Command: "AUTHENTICATE",
				Params:  []string{"PLAIN"},
			})
		} else {
			uc.endCapNegotiation()
		}
	}
	return nil
}

func (uc *upstreamConn) handleAuthenticateMessage(msg *irc.Message) error {
	if uc.saslClient == nil {
		return fmt.Errorf("received unexpected AUTHENTICATE")
	}

	var resp []byte
	if !uc.saslStarted {
		var err error
		_, resp, err = uc.saslClient.Start()
		if err != nil {
			return fmt.Errorf("failed to start SASL exchange: %v", err)
		}
		uc.saslStarted = true
	} else {
		var challenge []byte
		if len(msg.Params) > 0 && msg.Params[0] != "+" {
			var err error
			challenge, err = base64.StdEncoding.DecodeString(msg.Params[0])
			if err != nil {
				return fmt.Errorf("invalid base64-encoded SASL challenge: %v", err)
			}
		}
		var err error
		resp, err = uc.saslClient.Next(challenge)
		if err != nil {
			return fmt.Errorf("failed to process SASL challenge: %v", err)
		}
	}

	respStr := "+"
	if len(resp) > 0 {
		respStr = base64.StdEncoding.EncodeToString(resp)
	}
	uc.SendMessage(&irc.Message{
		Command: "AUTHENTICATE",
		Params:  []string{respStr},
	})
	return nil
}

func (uc *upstreamConn) endCapNegotiation() {
	uc.saslClient = nil
	uc.SendMessage(&irc.Message{
		Command: "CAP",
		Params:  []string{"END"},
	})
}

// registerClient synthesizes the 001..MOTD burst for a newly attached
// downstream from the captured registration lines, then replays the joined
// channels.
func (uc *upstreamConn) registerClient(dc *downstreamConn) {
	nick := dc.state.GetNick()
	if nick == "" {
		nick = uc.state.GetNick()
	}

	for _, line := range uc.state.RegistrationReplay() {
		msg, err := irc.ParseMessage(line)
		if err != nil {
			uc.logger.Printf("failed to parse stored registration line %q: %v", line, err)
			continue
		}
		if isNumeric(msg.Command) && len(msg.Params) > 0 {
			msg.Params[0] = nick
		}
		dc.SendMessage(msg)
	}

	uc.state.ForEachBuffer(func(b *Buffer) {
		if !b.Joined || !b.IsChannel {
			return
		}
		dc.SendMessage(&irc.Message{
			Prefix:  &irc.Prefix{Name: nick},
			Command: "JOIN",
			Params:  []string{b.Name},
		})
		if b.Topic != "" {
			dc.SendMessage(&irc.Message{
				Prefix:  dc.prefix(),
				Command: irc.RPL_TOPIC,
				Params:  []string{nick, b.Name, b.Topic},
			})
		} else {
			dc.SendMessage(&irc.Message{
				Prefix:  dc.prefix(),
				Command: irc.RPL_NOTOPIC,
				Params:  []string{nick, b.Name, "No topic is set"},
			})
		}
	})

	dc.state.SetNetRegistered(true)
	if err := dc.state.Save(); err != nil {
		dc.logger.Printf("failed to save state: %v", err)
	}
}
