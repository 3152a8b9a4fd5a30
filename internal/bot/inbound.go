package bot

// Inbound is the single value type both entry points (slash commands and the
// thread message listener) construct before handing off to the engine. No
// other shape of "message" exists inside the bot.
type Inbound struct {
	SenderID   string
	SenderName string
	ChannelID  string
	GuildID    string
	Text       string
}
