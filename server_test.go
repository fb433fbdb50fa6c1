package bnc

import (
	"net"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/irc.v3"

	"github.com/hixio-mh/kiwibnc/database"
	"github.com/hixio-mh/kiwibnc/msgstore"
)

var testServerPrefix = &irc.Prefix{Name: "bnc-test-server"}

const (
	testUsername = "bnc-test-user"
	testPassword = testUsername
)

func createTestDB(t *testing.T) *database.DB {
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to create temporary SQLite database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func createTestMsgStore(t *testing.T) *msgstore.Store {
	store, err := msgstore.Open("")
	if err != nil {
		t.Fatalf("failed to create in-memory message store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func createTestServer(t *testing.T, db *database.DB) *Server {
	srv := NewServer(db, createTestMsgStore(t))
	t.Cleanup(srv.Shutdown)
	return srv
}

func createTestUser(t *testing.T, db *database.DB) *database.User {
	record := &database.User{Username: testUsername}
	if err := record.SetPassword(testPassword); err != nil {
		t.Fatalf("failed to generate bcrypt hash: %v", err)
	}
	if err := db.StoreUser(record); err != nil {
		t.Fatalf("failed to store test user: %v", err)
	}
	return record
}

func createTestDownstream(t *testing.T, srv *Server) *irc.Conn {
	c1, c2 := net.Pipe()
	go srv.Handle(c1)
	t.Cleanup(func() { c2.Close() })
	return irc.NewConn(c2)
}

func createTestUpstream(t *testing.T, db *database.DB, user *database.User) (*database.Network, net.Listener) {
	ln, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		t.Fatalf("failed to create TCP listener: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	network := &database.Network{
		UserID: user.ID,
		Name:   "testnet",
		Host:   "localhost",
		Port:   ln.Addr().(*net.TCPAddr).Port,
		Nick:   user.Username,
	}
	if err := db.StoreNetwork(network); err != nil {
		t.Fatalf("failed to store test network: %v", err)
	}

	return network, ln
}

func mustAccept(t *testing.T, ln net.Listener) *irc.Conn {
	c, err := ln.Accept()
	if err != nil {
		t.Fatalf("failed accepting connection: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return irc.NewConn(c)
}

func expectMessage(t *testing.T, c *irc.Conn, cmd string) *irc.Message {
	t.Helper()
	msg, err := c.ReadMessage()
	if err != nil {
		t.Fatalf("failed to read IRC message (want %q): %v", cmd, err)
	}
	if msg.Command != cmd {
		t.Fatalf("invalid message received: want %q, got: %v", cmd, msg)
	}
	return msg
}

// readUntil discards messages until one with the given command arrives.
func readUntil(t *testing.T, c *irc.Conn, cmd string) *irc.Message {
	t.Helper()
	for {
		msg, err := c.ReadMessage()
		if err != nil {
			t.Fatalf("failed to read IRC message (want %q): %v", cmd, err)
		}
		if msg.Command == cmd {
			return msg
		}
	}
}

// sendDownstreamRegistration submits the registration commands. The welcome
// burst arrives only once the upstream side has registered; callers wait for
// it with awaitDownstreamRegistration.
func sendDownstreamRegistration(t *testing.T, c *irc.Conn, passArg string) {
	c.WriteMessage(&irc.Message{
		Command: "PASS",
		Params:  []string{passArg},
	})
	c.WriteMessage(&irc.Message{
		Command: "NICK",
		Params:  []string{testUsername},
	})
	c.WriteMessage(&irc.Message{
		Command: "USER",
		Params:  []string{testUsername, "0", "*", testUsername},
	})
}

func awaitDownstreamRegistration(t *testing.T, c *irc.Conn) {
	t.Helper()
	readUntil(t, c, irc.ERR_NOMOTD)
}

func registerUpstreamConn(t *testing.T, c *irc.Conn) {
	msg := expectMessage(t, c, "CAP")
	if msg.Params[0] != "LS" {
		t.Fatalf("invalid CAP LS: got: %v", msg)
	}
	msg = expectMessage(t, c, "NICK")
	nick := msg.Params[0]
	if nick != testUsername {
		t.Fatalf("invalid NICK: want %q, got: %v", testUsername, msg)
	}
	expectMessage(t, c, "USER")

	c.WriteMessage(&irc.Message{
		Prefix:  testServerPrefix,
		Command: irc.RPL_WELCOME,
		Params:  []string{nick, "Welcome!"},
	})
	c.WriteMessage(&irc.Message{
		Prefix:  testServerPrefix,
		Command: irc.RPL_YOURHOST,
		Params:  []string{nick, "Your host is bnc-test-server"},
	})
	c.WriteMessage(&irc.Message{
		Prefix:  testServerPrefix,
		Command: irc.RPL_MYINFO,
		Params:  []string{nick, testServerPrefix.Name, "bnc", "o", "o"},
	})
	c.WriteMessage(&irc.Message{
		Prefix:  testServerPrefix,
		Command: irc.ERR_NOMOTD,
		Params:  []string{nick, "No MOTD"},
	})
}

func TestServer(t *testing.T) {
	db := createTestDB(t)
	user := createTestUser(t, db)
	network, upstream := createTestUpstream(t, db, user)
	srv := createTestServer(t, db)

	dc := createTestDownstream(t, srv)
	sendDownstreamRegistration(t, dc, testUsername+"/"+network.Name+":"+testPassword)

	uc := mustAccept(t, upstream)
	registerUpstreamConn(t, uc)
	awaitDownstreamRegistration(t, dc)

	noticeText := "This is a very important server notice."
	uc.WriteMessage(&irc.Message{
		Prefix:  testServerPrefix,
		Command: "NOTICE",
		Params:  []string{testUsername, noticeText},
	})

	msg := readUntil(t, dc, "NOTICE")
	if msg.Params[1] != noticeText {
		t.Fatalf("invalid NOTICE text: want %q, got: %v", noticeText, msg)
	}
}

func TestServerBadPassword(t *testing.T) {
	db := createTestDB(t)
	createTestUser(t, db)
	srv := createTestServer(t, db)

	dc := createTestDownstream(t, srv)
	dc.WriteMessage(&irc.Message{
		Command: "PASS",
		Params:  []string{testUsername + ":wrong-password"},
	})
	dc.WriteMessage(&irc.Message{
		Command: "NICK",
		Params:  []string{testUsername},
	})
	dc.WriteMessage(&irc.Message{
		Command: "USER",
		Params:  []string{testUsername, "0", "*", testUsername},
	})

	msg := readUntil(t, dc, "ERROR")
	if msg.Params[0] != "Invalid password" {
		t.Fatalf("invalid ERROR text: got: %v", msg)
	}
}

func TestServerUserOnlyLogin(t *testing.T) {
	db := createTestDB(t)
	createTestUser(t, db)
	srv := createTestServer(t, db)

	dc := createTestDownstream(t, srv)
	dc.WriteMessage(&irc.Message{
		Command: "PASS",
		Params:  []string{testUsername + ":" + testPassword},
	})
	dc.WriteMessage(&irc.Message{
		Command: "NICK",
		Params:  []string{testUsername},
	})
	dc.WriteMessage(&irc.Message{
		Command: "USER",
		Params:  []string{testUsername, "0", "*", testUsername},
	})

	expectMessage(t, dc, "NICK")
	expectMessage(t, dc, irc.RPL_WELCOME)
	expectMessage(t, dc, irc.RPL_YOURHOST)
	expectMessage(t, dc, irc.RPL_CREATED)
	expectMessage(t, dc, irc.RPL_MYINFO)
	expectMessage(t, dc, irc.ERR_NOMOTD)

	msg := expectMessage(t, dc, "PRIVMSG")
	if !strings.Contains(msg.Params[1], "Welcome to your BNC") {
		t.Fatalf("invalid status message: got: %v", msg)
	}
}

func TestServerCapNegotiationHoldsCommands(t *testing.T) {
	db := createTestDB(t)
	createTestUser(t, db)
	srv := createTestServer(t, db)

	dc := createTestDownstream(t, srv)
	dc.WriteMessage(&irc.Message{
		Command: "CAP",
		Params:  []string{"LS", "302"},
	})

	msg := expectMessage(t, dc, "CAP")
	if msg.Params[1] != "LS" {
		t.Fatalf("invalid CAP response: got: %v", msg)
	}

	dc.WriteMessage(&irc.Message{
		Command: "CAP",
		Params:  []string{"REQ", "message-tags"},
	})
	msg = expectMessage(t, dc, "CAP")
	if msg.Params[1] != "ACK" || msg.Params[2] != "message-tags" {
		t.Fatalf("invalid CAP ACK: got: %v", msg)
	}

	// These are held back until CAP END.
	dc.WriteMessage(&irc.Message{
		Command: "PASS",
		Params:  []string{testUsername + ":" + testPassword},
	})
	dc.WriteMessage(&irc.Message{
		Command: "NICK",
		Params:  []string{testUsername},
	})
	dc.WriteMessage(&irc.Message{
		Command: "USER",
		Params:  []string{testUsername, "0", "*", testUsername},
	})
	dc.WriteMessage(&irc.Message{
		Command: "CAP",
		Params:  []string{"END"},
	})

	// The queued NICK is the first command processed after END.
	expectMessage(t, dc, "NICK")
	expectMessage(t, dc, irc.RPL_WELCOME)
}

func TestServerCapWindowDropsForbiddenCommands(t *testing.T) {
	db := createTestDB(t)
	user := createTestUser(t, db)
	network, upstream := createTestUpstream(t, db, user)
	srv := createTestServer(t, db)

	dc := createTestDownstream(t, srv)
	dc.WriteMessage(&irc.Message{
		Command: "CAP",
		Params:  []string{"LS", "302"},
	})
	expectMessage(t, dc, "CAP")

	// Held in the queue; the replay after END runs it through the
	// pre-registration rule, which drops it without forwarding.
	dc.WriteMessage(&irc.Message{
		Command: "JOIN",
		Params:  []string{"#foo"},
	})
	sendDownstreamRegistration(t, dc, testUsername+"/"+network.Name+":"+testPassword)
	dc.WriteMessage(&irc.Message{
		Command: "CAP",
		Params:  []string{"END"},
	})

	uc := mustAccept(t, upstream)
	registerUpstreamConn(t, uc)
	awaitDownstreamRegistration(t, dc)

	text := "first line after registration"
	dc.WriteMessage(&irc.Message{
		Command: "PRIVMSG",
		Params:  []string{"#test", text},
	})

	// The queued JOIN must never have reached the upstream: the first
	// line after the handshake is the PRIVMSG.
	msg := expectMessage(t, uc, "PRIVMSG")
	if msg.Params[1] != text {
		t.Fatalf("invalid forwarded PRIVMSG: got: %v", msg)
	}
}

func TestServerFanOut(t *testing.T) {
	db := createTestDB(t)
	user := createTestUser(t, db)
	network, upstream := createTestUpstream(t, db, user)
	srv := createTestServer(t, db)

	dc1 := createTestDownstream(t, srv)
	sendDownstreamRegistration(t, dc1, testUsername+"/"+network.Name+":"+testPassword)
	uc := mustAccept(t, upstream)
	registerUpstreamConn(t, uc)
	awaitDownstreamRegistration(t, dc1)

	// The second client attaches to the already-registered upstream and
	// gets the captured burst replayed immediately.
	dc2 := createTestDownstream(t, srv)
	sendDownstreamRegistration(t, dc2, testUsername+"/"+network.Name+":"+testPassword)
	awaitDownstreamRegistration(t, dc2)

	text := "hello from the first client"
	dc1.WriteMessage(&irc.Message{
		Command: "PRIVMSG",
		Params:  []string{"#test", text},
	})

	// The sibling sees the echo as if from the user's own nick.
	msg := readUntil(t, dc2, "PRIVMSG")
	if msg.Prefix.Name != testUsername || msg.Params[1] != text {
		t.Fatalf("invalid fan-out echo: got: %v", msg)
	}

	// The upstream receives the original line.
	msg = readUntil(t, uc, "PRIVMSG")
	if msg.Params[0] != "#test" || msg.Params[1] != text {
		t.Fatalf("invalid forwarded PRIVMSG: got: %v", msg)
	}
}

func TestServerBouncerListNetworks(t *testing.T) {
	db := createTestDB(t)
	user := createTestUser(t, db)
	if err := db.StoreNetwork(&database.Network{
		UserID: user.ID,
		Name:   "testnet",
		Host:   "irc.example.org",
		Port:   6697,
		TLS:    true,
		Nick:   user.Username,
	}); err != nil {
		t.Fatalf("failed to store test network: %v", err)
	}
	srv := createTestServer(t, db)

	dc := createTestDownstream(t, srv)
	dc.WriteMessage(&irc.Message{
		Command: "PASS",
		Params:  []string{testUsername + ":" + testPassword},
	})
	dc.WriteMessage(&irc.Message{
		Command: "NICK",
		Params:  []string{testUsername},
	})
	dc.WriteMessage(&irc.Message{
		Command: "USER",
		Params:  []string{testUsername, "0", "*", testUsername},
	})
	readUntil(t, dc, irc.ERR_NOMOTD)

	dc.WriteMessage(&irc.Message{
		Command: "BOUNCER",
		Params:  []string{"LISTNETWORKS"},
	})

	msg := readUntil(t, dc, "BOUNCER")
	if msg.Params[0] != "listnetworks" {
		t.Fatalf("invalid BOUNCER reply: got: %v", msg)
	}
	want := "network=testnet;host=irc.example.org;port=6697;tls=1;state=disconnected"
	if msg.Params[1] != want {
		t.Fatalf("invalid network listing: want %q, got: %v", want, msg)
	}

	msg = expectMessage(t, dc, "BOUNCER")
	if msg.Params[0] != "listnetwork" || msg.Params[1] != "RPL_OK" {
		t.Fatalf("invalid listing terminator: got: %v", msg)
	}
}

func TestServerBouncerBuffers(t *testing.T) {
	db := createTestDB(t)
	user := createTestUser(t, db)
	network, upstream := createTestUpstream(t, db, user)
	srv := createTestServer(t, db)

	dc := createTestDownstream(t, srv)
	sendDownstreamRegistration(t, dc, testUsername+"/"+network.Name+":"+testPassword)
	uc := mustAccept(t, upstream)
	registerUpstreamConn(t, uc)
	awaitDownstreamRegistration(t, dc)

	uc.WriteMessage(&irc.Message{
		Prefix:  &irc.Prefix{Name: testUsername},
		Command: "JOIN",
		Params:  []string{"#test"},
	})
	readUntil(t, dc, "JOIN")

	dc.WriteMessage(&irc.Message{
		Command: "BOUNCER",
		Params:  []string{"LISTBUFFERS", network.Name},
	})
	msg := readUntil(t, dc, "BOUNCER")
	if msg.Params[0] != "listbuffers" || msg.Params[1] != network.Name {
		t.Fatalf("invalid BOUNCER reply: got: %v", msg)
	}
	if !strings.Contains(msg.Params[2], "buffer=#test") {
		t.Fatalf("missing buffer in listing: got: %v", msg)
	}
	msg = expectMessage(t, dc, "BOUNCER")
	if msg.Params[2] != "RPL_OK" {
		t.Fatalf("invalid listing terminator: got: %v", msg)
	}

	dc.WriteMessage(&irc.Message{
		Command: "BOUNCER",
		Params:  []string{"DELBUFFER", network.Name, "#test"},
	})

	// Deleting a joined channel parts it upstream.
	msg = readUntil(t, uc, "PART")
	if msg.Params[0] != "#test" {
		t.Fatalf("invalid PART: got: %v", msg)
	}
	msg = readUntil(t, dc, "BOUNCER")
	if msg.Params[0] != "delbuffer" || msg.Params[2] != "RPL_OK" {
		t.Fatalf("invalid DELBUFFER reply: got: %v", msg)
	}

	dc.WriteMessage(&irc.Message{
		Command: "BOUNCER",
		Params:  []string{"LISTBUFFERS", "no-such-net"},
	})
	msg = readUntil(t, dc, "BOUNCER")
	if msg.Params[1] != "ERR_NETNOTFOUND" {
		t.Fatalf("invalid error token: got: %v", msg)
	}
}
