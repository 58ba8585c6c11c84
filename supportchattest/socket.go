package supportchattest

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/retailkit/supportchat"
)

func withClaims(ctx context.Context, c tokenClaims) context.Context {
	return context.WithValue(ctx, claimsKey, c)
}

func claimsFrom(ctx context.Context) tokenClaims {
	c, _ := ctx.Value(claimsKey).(tokenClaims)
	return c
}

// handleSocket authenticates the upgrade request, then relays identify,
// message and typing events between actors.
func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	claims, err := s.parseToken(bearerToken(r))
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		return
	}
	c := &client{conn: conn, claims: claims, staff: claims.Staff}
	s.hub.register(c)
	defer func() {
		s.hub.unregister(c)
		if userID, name, _ := c.info(); userID != "" {
			s.hub.send(func(o *client) bool { return o != c }, supportchat.EventUserOffline, map[string]string{
				"userId":   userID,
				"userName": name,
			})
		}
		conn.Close(websocket.StatusNormalClosure, "")
	}()

	ctx := r.Context()
	for {
		var env supportchat.RealtimeEnvelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			return
		}
		s.handleEvent(ctx, c, env)
	}
}

func (s *Server) handleEvent(ctx context.Context, c *client, env supportchat.RealtimeEnvelope) {
	switch env.Type {
	case supportchat.EventUserIdentify, supportchat.EventAdminConnected:
		var p supportchat.IdentifyPayload
		if json.Unmarshal(env.Payload, &p) != nil {
			return
		}
		s.identify(c, env.Type, p.UserID, p.UserName, string(p.UserType))

	case supportchat.EventUserConnected:
		var p supportchat.UserConnectedPayload
		if json.Unmarshal(env.Payload, &p) != nil {
			return
		}
		s.identify(c, env.Type, p.UserID, p.Username, string(supportchat.SenderUser))

	case supportchat.EventMessageSend:
		in, err := decodeOutbound(bytes.NewReader(env.Payload))
		if err != nil || s.failing(OpSend) {
			return
		}
		scope := supportchat.ConversationScope(in.ConversationID)
		if in.OrderID != "" {
			scope = supportchat.OrderScope(in.OrderID)
		}
		s.saveAndEcho(scope, storedFromOutbound(in))

	case supportchat.EventTypingStart, supportchat.EventTypingStop:
		var p supportchat.TypingPayload
		if json.Unmarshal(env.Payload, &p) != nil {
			return
		}
		s.relayTyping(c, env.Type == supportchat.EventTypingStart, p)
	}
}

// identify records the handshake and announces the actor online.
func (s *Server) identify(c *client, event, userID, name, userType string) {
	s.mu.Lock()
	s.identifications = append(s.identifications, Identification{
		Event:    event,
		UserID:   userID,
		UserName: name,
		UserType: userType,
	})
	s.mu.Unlock()

	c.mu.Lock()
	first := c.userID == ""
	c.userID = userID
	c.name = name
	c.staff = c.claims.Staff || userType == string(supportchat.SenderAdmin)
	c.mu.Unlock()

	if first {
		s.hub.send(func(o *client) bool { return o != c }, supportchat.EventUserOnline, map[string]string{
			"userId":   userID,
			"userName": name,
		})
	}
}

// relayTyping forwards a shopper's typing to staff and a staff member's
// typing to the shopper owning the scope.
func (s *Server) relayTyping(from *client, start bool, p supportchat.TypingPayload) {
	scope := p.Scope()
	if _, _, staff := from.info(); staff {
		event := supportchat.EventTypingAdmin
		if !start {
			event = supportchat.EventTypingAdminStop
		}
		owner := s.participantOf(scope)
		s.hub.send(func(o *client) bool {
			userID, _, staff := o.info()
			return !staff && userID == owner
		}, event, p)
		return
	}
	event := supportchat.EventTypingUser
	if !start {
		event = supportchat.EventTypingUserStop
	}
	s.hub.send(func(o *client) bool {
		_, _, staff := o.info()
		return staff
	}, event, p)
}
