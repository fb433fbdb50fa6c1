package bnc

import (
	"fmt"
	"io"
	"net"
	"regexp"
	"strings"
	"time"

	"gopkg.in/irc.v3"

	"github.com/hixio-mh/kiwibnc/database"
)

// passTripleRegexp splits the PASS argument into user[/network][:password].
var passTripleRegexp = regexp.MustCompile(`^([^/:]+)(?:/([^:]+))?(?::(.*))?$`)

type downstreamConn struct {
	srv    *Server
	net    net.Conn
	irc    *irc.Conn
	logger Logger
	state  *ConnectionState

	outgoing chan *irc.Message
	closed   chan struct{}

	// conID of the bound upstream, empty until attached. Kept as an id
	// rather than a pointer; resolved through the registry at use sites.
	upstreamID string
}

func newDownstreamConn(srv *Server, netConn net.Conn) *downstreamConn {
	conID := srv.newConID()
	dc := &downstreamConn{
		srv:      srv,
		net:      netConn,
		irc:      irc.NewConn(netConn),
		logger:   &prefixLogger{srv.Logger, fmt.Sprintf("downstream %q: ", netConn.RemoteAddr())},
		state:    NewConnectionState(srv.db, conID, ConnTypeIncoming),
		outgoing: make(chan *irc.Message, 64),
		closed:   make(chan struct{}),
	}

	go func() {
		if err := dc.writeMessages(); err != nil {
			dc.logger.Printf("failed to write message: %v", err)
		}
		if err := dc.net.Close(); err != nil {
			dc.logger.Printf("failed to close connection: %v", err)
		} else {
			dc.logger.Printf("connection closed")
		}
	}()

	dc.logger.Printf("new connection")
	return dc
}

func (dc *downstreamConn) prefix() *irc.Prefix {
	return &irc.Prefix{Name: dc.state.ServerPrefix}
}

func (dc *downstreamConn) isClosed() bool {
	select {
	case <-dc.closed:
		return true
	default:
		return false
	}
}

func (dc *downstreamConn) Close() error {
	if dc.isClosed() {
		return fmt.Errorf("downstream connection already closed")
	}
	close(dc.closed)
	return nil
}

func (dc *downstreamConn) SendMessage(msg *irc.Message) {
	select {
	case dc.outgoing <- msg:
	case <-dc.closed:
	}
}

func (dc *downstreamConn) writeMessages() error {
	for {
		select {
		case msg := <-dc.outgoing:
			if dc.srv.Debug {
				dc.logger.Printf("sent: %v", msg)
			}
			if err := dc.irc.WriteMessage(msg); err != nil {
				return err
			}
		case <-dc.closed:
			// flush whatever was queued before the close
			for {
				select {
				case msg := <-dc.outgoing:
					if err := dc.irc.WriteMessage(msg); err != nil {
						return err
					}
				default:
					return nil
				}
			}
		}
	}
}

// upstream resolves the bound upstream connection, if any.
func (dc *downstreamConn) upstream() *upstreamConn {
	if dc.upstreamID == "" {
		return nil
	}
	return dc.srv.registry.GetUpstream(dc.upstreamID)
}

// attachTo links this downstream to an upstream. The downstream's pointer and
// the upstream's linked set are always set together.
func (dc *downstreamConn) attachTo(uc *upstreamConn) error {
	dc.upstreamID = uc.state.ConID
	return uc.state.LinkIncomingConnection(dc.state.ConID)
}

func (dc *downstreamConn) detach() {
	if uc := dc.upstream(); uc != nil {
		if err := uc.state.UnlinkIncomingConnection(dc.state.ConID); err != nil {
			dc.logger.Printf("failed to unlink from upstream: %v", err)
		}
	}
	dc.upstreamID = ""
}

// writeStatus delivers a bouncer status message as a PRIVMSG from the
// configured server prefix.
func (dc *downstreamConn) writeStatus(text string) {
	target := dc.state.GetNick()
	if target == "" {
		target = "*"
	}
	dc.SendMessage(&irc.Message{
		Prefix:  dc.prefix(),
		Command: "PRIVMSG",
		Params:  []string{target, text},
	})
}

// readMessages runs the downstream message loop until the connection closes.
func (dc *downstreamConn) readMessages() error {
	for {
		msg, err := dc.irc.ReadMessage()
		if err == io.EOF {
			break
		} else if err != nil {
			if dc.isClosed() {
				break
			}
			return fmt.Errorf("failed to read IRC command: %v", err)
		}

		if dc.srv.Debug {
			dc.logger.Printf("received: %v", msg)
		}

		dc.dispatch(msg, false)
		if dc.isClosed() {
			break
		}
	}
	return nil
}

func (dc *downstreamConn) dispatch(msg *irc.Message, fromQueue bool) {
	err := dc.handleMessage(msg, fromQueue)
	if ircErr, ok := err.(ircError); ok {
		ircErr.Message.Prefix = dc.prefix()
		dc.SendMessage(ircErr.Message)
	} else if err != nil {
		dc.logger.Printf("failed to handle message %q: %v", msg, err)
		dc.Close()
	}
}

// handleMessage applies the dispatch rules in order: unconditional verbs, the
// CAP gate, the pre-registration gate, then the registered handler table.
func (dc *downstreamConn) handleMessage(msg *irc.Message, fromQueue bool) error {
	cmd := strings.ToUpper(msg.Command)

	// These execute regardless of state.
	switch cmd {
	case "PING":
		dc.SendMessage(&irc.Message{
			Prefix:  dc.prefix(),
			Command: "PONG",
			Params:  msg.Params,
		})
		return nil
	case "DEB":
		dc.logger.Printf("state: conid=%q registered=%v capping=%q upstream=%q caps=%v",
			dc.state.ConID, dc.state.IsNetRegistered(), dc.state.Capping(), dc.upstreamID, dc.state.Caps)
		return nil
	case "RELOAD":
		dc.srv.handlers.Reload()
		dc.logger.Printf("handler table reloaded")
		return nil
	}

	// No command other than CAP may be acted on during CAP negotiation.
	// Lines replayed from the queue bypass this gate.
	if dc.state.Capping() != "" && cmd != "CAP" && !fromQueue {
		return dc.state.PushQueue(msg.String())
	}

	if !dc.state.IsNetRegistered() {
		switch cmd {
		case "USER", "NICK", "PASS", "CAP":
		default:
			// not forwarded, not an error
			return nil
		}

		if dc.state.Temp.Reg == nil {
			if err := dc.state.SetRegState(&RegistrationState{}); err != nil {
				return err
			}
		}
		if err := dc.handleMessageUnregistered(cmd, msg); err != nil {
			return err
		}
		return dc.maybeProcessRegistration()
	}

	if h, ok := dc.srv.handlers.Get(cmd); ok {
		forward, err := h(dc, msg)
		if err != nil || !forward {
			return err
		}
	}

	// Unknown (or forwarding) verbs go upstream verbatim.
	if uc := dc.upstream(); uc != nil {
		dc.srv.metrics.linesRoutedTotal.Inc()
		uc.SendMessage(msg)
	}
	return nil
}

func (dc *downstreamConn) handleMessageUnregistered(cmd string, msg *irc.Message) error {
	switch cmd {
	case "CAP":
		return dc.handleCapCommand(msg)
	case "PASS":
		if dc.state.AuthUserID != 0 {
			return nil
		}
		var pass string
		if err := parseMessageParams(msg, &pass); err != nil {
			return err
		}
		dc.state.Temp.Reg.Pass = pass
		return dc.state.Save()
	case "USER":
		var username string
		if err := parseMessageParams(msg, &username); err != nil {
			return err
		}
		dc.state.Temp.Reg.User = username
		if len(msg.Params) > 3 {
			dc.state.SetRealname(msg.Params[3])
		}
		return dc.state.Save()
	case "NICK":
		var nick string
		if err := parseMessageParams(msg, &nick); err != nil {
			return err
		}
		dc.state.SetNick(nick)
		dc.state.Temp.Reg.Nick = nick
		if err := dc.state.Save(); err != nil {
			return err
		}
		dc.SendMessage(&irc.Message{
			Prefix:  &irc.Prefix{Name: nick},
			Command: "NICK",
			Params:  []string{nick},
		})
		if dc.state.Temp.Reg.Pass == "" && dc.state.AuthUserID == 0 {
			dc.SendMessage(&irc.Message{
				Prefix:  dc.prefix(),
				Command: irc.ERR_PASSWDMISMATCH,
				Params:  []string{nick, "Password required"},
			})
			dc.writeStatus("You must login with a password. Try /quote PASS username/network:password")
		}
	}
	return nil
}

func (dc *downstreamConn) handleCapCommand(msg *irc.Message) error {
	var subCmd string
	if err := parseMessageParams(msg, &subCmd); err != nil {
		return err
	}
	args := msg.Params[1:]

	switch strings.ToUpper(subCmd) {
	case "LS":
		if !dc.state.IsNetRegistered() {
			version := "301"
			if len(args) > 0 {
				version = args[0]
			}
			if err := dc.state.SetCapping(version); err != nil {
				return err
			}
		}
		caps := dc.srv.handlers.availableCaps()
		dc.SendMessage(&irc.Message{
			Prefix:  dc.prefix(),
			Command: "CAP",
			Params:  []string{"*", "LS", strings.Join(caps, " ")},
		})
	case "LIST":
		var caps []string
		for name := range dc.state.Caps {
			caps = append(caps, name)
		}
		dc.SendMessage(&irc.Message{
			Prefix:  dc.prefix(),
			Command: "CAP",
			Params:  []string{"*", "LIST", strings.Join(caps, " ")},
		})
	case "REQ":
		if len(args) == 0 {
			return newNeedMoreParamsError("CAP")
		}
		available := make(map[string]bool)
		for _, name := range dc.srv.handlers.availableCaps() {
			available[name] = true
		}
		var matched []string
		for _, name := range strings.Fields(args[0]) {
			name = strings.ToLower(name)
			if available[name] {
				dc.state.AddCap(name)
				matched = append(matched, name)
			}
		}
		if err := dc.state.Save(); err != nil {
			return err
		}
		dc.SendMessage(&irc.Message{
			Prefix:  dc.prefix(),
			Command: "CAP",
			Params:  []string{"*", "ACK", strings.Join(matched, " ")},
		})
	case "END":
		// Replay the lines held back during negotiation, in arrival
		// order, until the queue is empty.
		for {
			line, ok, err := dc.state.ShiftQueue()
			if err != nil {
				return err
			}
			if !ok {
				break
			}
			queued, err := irc.ParseMessage(line)
			if err != nil {
				dc.logger.Printf("failed to parse queued line %q: %v", line, err)
				continue
			}
			dc.dispatch(queued, true)
		}
		return dc.state.SetCapping("")
	}
	return nil
}

// maybeProcessRegistration completes BNC authentication once NICK, USER and
// PASS have all been seen and CAP negotiation is over.
func (dc *downstreamConn) maybeProcessRegistration() error {
	reg := dc.state.Temp.Reg
	if reg == nil || reg.Nick == "" || reg.User == "" || reg.Pass == "" {
		return nil
	}
	if dc.state.Capping() != "" {
		return nil
	}

	m := passTripleRegexp.FindStringSubmatch(reg.Pass)
	if m == nil {
		return dc.closeWithError("Invalid password")
	}
	username, networkName, password := m[1], m[2], m[3]

	if networkName != "" {
		network, err := dc.srv.db.AuthUserNetwork(username, password, networkName)
		if err != nil {
			return err
		}
		if network == nil {
			dc.logger.Printf("failed authentication for %q on network %q", username, networkName)
			return dc.closeWithError("Invalid password")
		}

		// netRegistered stays false until the upstream's registration
		// burst has been replayed to this client.
		dc.state.Account = username
		dc.state.AuthUserID = network.UserID
		dc.state.AuthNetworkID = network.ID
		dc.state.AuthNetworkName = network.Name
		if err := dc.state.Save(); err != nil {
			return err
		}
		dc.logger.Printf("registration complete for user %q, network %q", username, network.Name)

		if err := dc.bindUpstream(network); err != nil {
			return err
		}
	} else {
		user, err := dc.srv.db.AuthUser(username, password)
		if err != nil {
			return err
		}
		if user == nil {
			dc.logger.Printf("failed authentication for %q", username)
			return dc.closeWithError("Invalid password")
		}

		dc.state.Account = username
		dc.state.AuthUserID = user.ID
		dc.state.AuthAdmin = user.Admin
		dc.state.SetNetRegistered(true)
		if err := dc.state.Save(); err != nil {
			return err
		}
		dc.logger.Printf("registration complete for user %q", username)

		dc.registerLocalClient()
		dc.writeStatus("Welcome to your BNC!")
	}

	return dc.state.SetRegState(nil)
}

func (dc *downstreamConn) closeWithError(text string) error {
	dc.SendMessage(&irc.Message{
		Command: "ERROR",
		Params:  []string{text},
	})
	return dc.Close()
}

// bindUpstream finds or creates the upstream for an authenticated downstream
// and links the two.
func (dc *downstreamConn) bindUpstream(network *database.Network) error {
	uc, err := dc.srv.makeUpstream(network)
	if err != nil {
		return err
	}

	if err := dc.attachTo(uc); err != nil {
		return err
	}

	if uc.isConnected() {
		dc.writeStatus("Attaching you to the network")
		if uc.state.IsNetRegistered() {
			uc.registerClient(dc)
		}
		return nil
	}

	dc.writeStatus("Connecting to the network..")
	go func() {
		if err := uc.open(); err != nil {
			uc.logger.Printf("failed to connect: %v", err)
		}
	}()
	return nil
}

// registerLocalClient synthesizes a welcome burst for a user-only login with
// no upstream attached.
func (dc *downstreamConn) registerLocalClient() {
	nick := dc.state.GetNick()
	dc.SendMessage(&irc.Message{
		Prefix:  dc.prefix(),
		Command: irc.RPL_WELCOME,
		Params:  []string{nick, "Welcome to your BNC, " + nick},
	})
	dc.SendMessage(&irc.Message{
		Prefix:  dc.prefix(),
		Command: irc.RPL_YOURHOST,
		Params:  []string{nick, "Your host is " + dc.srv.Hostname},
	})
	dc.SendMessage(&irc.Message{
		Prefix:  dc.prefix(),
		Command: irc.RPL_CREATED,
		Params:  []string{nick, "This server was created some time ago"},
	})
	dc.SendMessage(&irc.Message{
		Prefix:  dc.prefix(),
		Command: irc.RPL_MYINFO,
		Params:  []string{nick, dc.srv.Hostname, "bnc", "o", "o"},
	})
	dc.SendMessage(&irc.Message{
		Prefix:  dc.prefix(),
		Command: irc.ERR_NOMOTD,
		Params:  []string{nick, "No MOTD"},
	})
}

// handleClientControl services PRIVMSGs addressed to the *bnc control target.
func handleClientControl(dc *downstreamConn, text string) {
	cmd := strings.ToLower(strings.Fields(text + " ")[0])
	switch cmd {
	case "listnetworks", "connect", "disconnect", "listbuffers", "delbuffer":
		dc.writeStatus("Use /quote BOUNCER " + cmd + " instead")
	default:
		dc.writeStatus("Supported commands: connect, disconnect, listnetworks, listbuffers, delbuffer")
	}
}

func registerCoreHandlers(t *handlerTable) {
	t.Handle("CAP", func(dc *downstreamConn, msg *irc.Message) (bool, error) {
		return false, dc.handleCapCommand(msg)
	})
	t.Handle("PASS", func(dc *downstreamConn, msg *irc.Message) (bool, error) {
		// already authenticated, nothing to do
		return false, nil
	})
	t.Handle("USER", func(dc *downstreamConn, msg *irc.Message) (bool, error) {
		// the bouncer synthesizes its own USER upstream
		return false, nil
	})
	t.Handle("NICK", handleNick)
	t.Handle("PRIVMSG", handleChatMessage)
	t.Handle("NOTICE", handleChatMessage)
	t.Handle("QUIT", func(dc *downstreamConn, msg *irc.Message) (bool, error) {
		// the upstream stays alive for a future attach
		return false, dc.Close()
	})
	t.Handle("KILL", func(dc *downstreamConn, msg *irc.Message) (bool, error) {
		if !dc.state.AuthAdmin {
			dc.writeStatus("You must be an admin to do that")
			return false, nil
		}
		dc.logger.Printf("shutdown requested")
		dc.srv.Shutdown()
		return false, nil
	})
	t.AvailableCaps(func() []string {
		return []string{"message-tags"}
	})
}

func handleNick(dc *downstreamConn, msg *irc.Message) (bool, error) {
	var nick string
	if err := parseMessageParams(msg, &nick); err != nil {
		return false, err
	}

	uc := dc.upstream()
	if uc != nil && !uc.state.IsNetRegistered() {
		// don't interfere with the upstream handshake
		return false, nil
	}

	dc.state.SetNick(nick)
	return true, dc.state.Save()
}

func handleChatMessage(dc *downstreamConn, msg *irc.Message) (bool, error) {
	var target, text string
	if err := parseMessageParams(msg, &target, &text); err != nil {
		return false, err
	}

	if casemapASCII(target) == "*bnc" {
		handleClientControl(dc, text)
		return false, nil
	}

	uc := dc.upstream()
	if uc == nil {
		dc.writeStatus("You are not attached to a network")
		return false, nil
	}

	// Siblings see the message as if sent from the user's own nick.
	echo := &irc.Message{
		Prefix:  &irc.Prefix{Name: uc.state.GetNick()},
		Command: strings.ToUpper(msg.Command),
		Params:  []string{target, text},
	}
	uc.forEachClient(func(sibling *downstreamConn) {
		sibling.SendMessage(echo)
	}, dc.state.ConID)

	if uc.state.Logging {
		err := dc.srv.msgStore.Append(dc.state.AuthUserID, dc.state.AuthNetworkID, target, echo.String(), time.Now())
		if err != nil {
			return false, fmt.Errorf("failed to store message: %v", err)
		}
	}

	return true, nil
}
