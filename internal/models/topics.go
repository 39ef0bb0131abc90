package models

import "strings"

// Destinations accepted by the signaling server.
const (
	DestConnect      = "/app/connect"
	DestPing         = "/app/ping"
	DestCallInitiate = "/app/call/initiate"
	DestCallRespond  = "/app/call/respond"
	DestNegotiation  = "/app/negotiation/send"
)

// Per-user topics. Each is delivered on UserTopic(identity, topic).
const (
	TopicIncomingCall = "incoming-call"
	TopicPong         = "pong"
	TopicCallResponse = "call-response"
	TopicNegotiation  = "negotiation"
)

// UserTopics is the set subscribed right after the handshake.
var UserTopics = []string{TopicIncomingCall, TopicPong, TopicCallResponse, TopicNegotiation}

const userPrefix = "/user/"

// UserTopic returns the destination for topic on identity's private queue.
func UserTopic(identity, topic string) string {
	return userPrefix + identity + "/queue/" + topic
}

// SplitUserTopic reverses UserTopic. ok is false for anything else.
func SplitUserTopic(dest string) (identity, topic string, ok bool) {
	rest, found := strings.CutPrefix(dest, userPrefix)
	if !found {
		return "", "", false
	}
	identity, topic, found = strings.Cut(rest, "/queue/")
	if !found || identity == "" || topic == "" {
		return "", "", false
	}
	return identity, topic, true
}
