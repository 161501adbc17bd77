package protocol

// ServerMessage is one outbound event. Params is marshalled as-is, so
// constructors attach the matching payload struct.
type ServerMessage struct {
	Type   string      `json:"type"`
	Params interface{} `json:"params,omitempty"`
}

// AuthenticatedParams completes the handshake: the caller's identity plus
// the transient state a freshly connected client needs to render presence.
type AuthenticatedParams struct {
	UUID       string                       `json:"uuid"`
	Indicators []IndicatorContext           `json:"indicators"`
	VoiceChat  map[string]map[string]uint16 `json:"voice_chat"`
}

// MessageDeleteParams identifies a removed message.
type MessageDeleteParams struct {
	ChannelID string `json:"channel_id"`
	MessageID int64  `json:"message_id"`
}

// PresenceParams carries a presence status change.
type PresenceParams struct {
	UserID string `json:"user_id"`
	Status string `json:"status"`
}

// VoiceEventParams is shared by voice_join and voice_leave.
type VoiceEventParams struct {
	UserID    string `json:"user_id"`
	ChannelID string `json:"channel_id"`
	VoiceID   uint16 `json:"voice_id"`
}

// ShutdownParams announces server shutdown to connected clients.
type ShutdownParams struct {
	Message string `json:"message"`
}

func Authenticated(uuid string, indicators []IndicatorContext, voiceChat map[string]map[string]uint16) ServerMessage {
	if indicators == nil {
		indicators = []IndicatorContext{}
	}
	if voiceChat == nil {
		voiceChat = map[string]map[string]uint16{}
	}
	return ServerMessage{Type: "authenticated", Params: AuthenticatedParams{
		UUID:       uuid,
		Indicators: indicators,
		VoiceChat:  voiceChat,
	}}
}

func MessageCreate(msg ChatMessage) ServerMessage {
	return ServerMessage{Type: "message_create", Params: msg}
}

func MessageUpdate(msg ChatMessage) ServerMessage {
	return ServerMessage{Type: "message_update", Params: msg}
}

func MessageDelete(channelID string, messageID int64) ServerMessage {
	return ServerMessage{Type: "message_delete", Params: MessageDeleteParams{
		ChannelID: channelID,
		MessageID: messageID,
	}}
}

func Chunk(messages []ChatMessage) ServerMessage {
	if messages == nil {
		messages = []ChatMessage{}
	}
	return ServerMessage{Type: "chunk", Params: messages}
}

func IndicatorEvent(ctx IndicatorContext) ServerMessage {
	return ServerMessage{Type: "indicator", Params: ctx}
}

func PresenceUpdate(userID, status string) ServerMessage {
	return ServerMessage{Type: "presence_update", Params: PresenceParams{UserID: userID, Status: status}}
}

func VoiceJoin(userID, channelID string, voiceID uint16) ServerMessage {
	return ServerMessage{Type: "voice_join", Params: VoiceEventParams{
		UserID: userID, ChannelID: channelID, VoiceID: voiceID,
	}}
}

func VoiceLeave(userID, channelID string, voiceID uint16) ServerMessage {
	return ServerMessage{Type: "voice_leave", Params: VoiceEventParams{
		UserID: userID, ChannelID: channelID, VoiceID: voiceID,
	}}
}

func Shutdown(message string) ServerMessage {
	return ServerMessage{Type: "shutdown", Params: ShutdownParams{Message: message}}
}
