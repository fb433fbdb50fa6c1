package bnc

import (
	"fmt"
	"strings"

	"gopkg.in/irc.v3"

	"github.com/hixio-mh/kiwibnc/database"
)

// registerBouncerHandlers attaches the BOUNCER administrative verb. All
// sub-commands are scoped to the authenticated user.
func registerBouncerHandlers(t *handlerTable) {
	t.Handle("BOUNCER", handleBouncerCommand)
}

func (dc *downstreamConn) sendBouncerReply(params ...string) {
	dc.SendMessage(&irc.Message{
		Prefix:  dc.prefix(),
		Command: "BOUNCER",
		Params:  params,
	})
}

func handleBouncerCommand(dc *downstreamConn, msg *irc.Message) (bool, error) {
	var subCmd string
	if err := parseMessageParams(msg, &subCmd); err != nil {
		return false, err
	}
	args := msg.Params[1:]

	switch strings.ToLower(subCmd) {
	case "connect":
		return false, handleBouncerConnect(dc, args)
	case "disconnect":
		return false, handleBouncerDisconnect(dc, args)
	case "listnetworks":
		return false, handleBouncerListNetworks(dc)
	case "listbuffers":
		return false, handleBouncerListBuffers(dc, args)
	case "delbuffer":
		return false, handleBouncerDelBuffer(dc, args)
	default:
		dc.sendBouncerReply(strings.ToLower(subCmd), "ERR_INVALIDARGS")
		return false, nil
	}
}

// lookupNetwork resolves a network name for the current user, replying with
// the error token itself when the lookup fails.
func (dc *downstreamConn) lookupNetwork(subCmd, name string) (*database.Network, error) {
	network, err := dc.srv.db.GetNetworkByName(dc.state.AuthUserID, name)
	if err != nil {
		return nil, err
	}
	if network == nil {
		dc.sendBouncerReply(subCmd, "ERR_NETNOTFOUND")
		return nil, nil
	}
	return network, nil
}

func handleBouncerConnect(dc *downstreamConn, args []string) error {
	if len(args) < 1 {
		dc.sendBouncerReply("connect", "ERR_INVALIDARGS")
		return nil
	}
	network, err := dc.lookupNetwork("connect", args[0])
	if err != nil || network == nil {
		return err
	}

	uc, err := dc.srv.makeUpstream(network)
	if err != nil {
		return err
	}
	if !uc.isConnected() {
		go func() {
			if err := uc.open(); err != nil {
				uc.logger.Printf("failed to connect: %v", err)
			}
		}()
	}
	return nil
}

func handleBouncerDisconnect(dc *downstreamConn, args []string) error {
	if len(args) < 1 {
		dc.sendBouncerReply("disconnect", "ERR_INVALIDARGS")
		return nil
	}
	network, err := dc.lookupNetwork("disconnect", args[0])
	if err != nil || network == nil {
		return err
	}

	uc := dc.srv.registry.FindUsersOutgoingConnection(network.UserID, network.ID)
	if uc != nil && uc.isConnected() {
		if err := uc.Close(); err != nil {
			uc.logger.Printf("failed to close: %v", err)
		}
	}
	return nil
}

func handleBouncerListNetworks(dc *downstreamConn) error {
	networks, err := dc.srv.db.GetUserNetworks(dc.state.AuthUserID)
	if err != nil {
		return err
	}

	for _, network := range networks {
		state := "disconnected"
		uc := dc.srv.registry.FindUsersOutgoingConnection(network.UserID, network.ID)
		if uc != nil && uc.isConnected() {
			state = "connected"
		}

		tlsVal := "0"
		if network.TLS {
			tlsVal = "1"
		}
		dc.sendBouncerReply("listnetworks", fmt.Sprintf(
			"network=%s;host=%s;port=%d;tls=%s;state=%s",
			network.Name, network.Host, network.Port, tlsVal, state,
		))
	}

	dc.sendBouncerReply("listnetwork", "RPL_OK")
	return nil
}

func handleBouncerListBuffers(dc *downstreamConn, args []string) error {
	if len(args) < 1 {
		dc.sendBouncerReply("listbuffers", "ERR_INVALIDARGS")
		return nil
	}
	network, err := dc.lookupNetwork("listbuffers", args[0])
	if err != nil || network == nil {
		return err
	}

	uc := dc.srv.registry.FindUsersOutgoingConnection(network.UserID, network.ID)
	if uc != nil {
		uc.state.ForEachBuffer(func(b *Buffer) {
			joined := "0"
			if b.Joined {
				joined = "1"
			}
			tags := irc.Tags{
				"network": irc.TagValue(network.Name),
				"buffer":  irc.TagValue(b.Name),
				"joined":  irc.TagValue(joined),
				"topic":   irc.TagValue(b.Topic),
			}
			dc.sendBouncerReply("listbuffers", network.Name, tags.String())
		})
	}

	dc.sendBouncerReply("listbuffers", network.Name, "RPL_OK")
	return nil
}

func handleBouncerDelBuffer(dc *downstreamConn, args []string) error {
	if len(args) < 2 {
		dc.sendBouncerReply("delbuffer", "ERR_INVALIDARGS")
		return nil
	}
	network, err := dc.lookupNetwork("delbuffer", args[0])
	if err != nil || network == nil {
		return err
	}

	uc := dc.srv.registry.FindUsersOutgoingConnection(network.UserID, network.ID)
	if uc == nil {
		dc.sendBouncerReply("delbuffer", network.Name, "RPL_OK")
		return nil
	}

	bufferName := args[1]
	b := uc.state.GetBuffer(bufferName)
	if b == nil {
		dc.sendBouncerReply("delbuffer", network.Name, "RPL_OK")
		return nil
	}

	if b.Joined && b.IsChannel && uc.isConnected() {
		uc.SendMessage(&irc.Message{
			Command: "PART",
			Params:  []string{b.Name},
		})
	}
	uc.state.DelBuffer(bufferName)
	if err := uc.state.Save(); err != nil {
		return err
	}

	dc.sendBouncerReply("delbuffer", network.Name, "RPL_OK")
	return nil
}
