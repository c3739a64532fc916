package telegram

import (
	"strconv"
	"strings"
)

// Update is one incoming event from getUpdates or the webhook.
type Update struct {
	UpdateID      int64          `json:"update_id"`
	Message       *Message       `json:"message,omitempty"`
	ChannelPost   *Message       `json:"channel_post,omitempty"`
	CallbackQuery *CallbackQuery `json:"callback_query,omitempty"`
}

// Message is a chat message. Only the fields the bot reads are decoded.
type Message struct {
	MessageID    int64       `json:"message_id"`
	From         *User       `json:"from,omitempty"`
	Chat         Chat        `json:"chat"`
	Date         int64       `json:"date"`
	Text         string      `json:"text,omitempty"`
	Caption      string      `json:"caption,omitempty"`
	Photo        []PhotoSize `json:"photo,omitempty"`
	MediaGroupID string      `json:"media_group_id,omitempty"`
}

// LargestPhoto returns the highest-resolution size of a photo message.
// Telegram orders sizes smallest first.
func (m *Message) LargestPhoto() (PhotoSize, bool) {
	if m == nil || len(m.Photo) == 0 {
		return PhotoSize{}, false
	}
	return m.Photo[len(m.Photo)-1], true
}

// User is a Telegram user or bot.
type User struct {
	ID        int64  `json:"id"`
	IsBot     bool   `json:"is_bot"`
	FirstName string `json:"first_name"`
	Username  string `json:"username,omitempty"`
}

// Chat identifies a private chat, group, or channel.
type Chat struct {
	ID       int64  `json:"id"`
	Type     string `json:"type"`
	Title    string `json:"title,omitempty"`
	Username string `json:"username,omitempty"`
}

// PhotoSize is one resolution of a photo.
type PhotoSize struct {
	FileID       string `json:"file_id"`
	FileUniqueID string `json:"file_unique_id"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	FileSize     int64  `json:"file_size,omitempty"`
}

// CallbackQuery is sent when a user taps an inline keyboard button.
type CallbackQuery struct {
	ID      string   `json:"id"`
	From    User     `json:"from"`
	Message *Message `json:"message,omitempty"`
	Data    string   `json:"data,omitempty"`
}

// File is the result of getFile.
type File struct {
	FileID   string `json:"file_id"`
	FileSize int64  `json:"file_size,omitempty"`
	FilePath string `json:"file_path,omitempty"`
}

// InlineKeyboardMarkup is an inline keyboard attached to a message.
type InlineKeyboardMarkup struct {
	InlineKeyboard [][]InlineKeyboardButton `json:"inline_keyboard"`
}

// InlineKeyboardButton is one button of an inline keyboard.
type InlineKeyboardButton struct {
	Text         string `json:"text"`
	CallbackData string `json:"callback_data,omitempty"`
}

// InputPhoto is one photo of an outgoing media group.
type InputPhoto struct {
	Image   []byte
	Caption string
}

// ChatID addresses a chat: a numeric id or "@username" for public channels.
type ChatID string

// ChatIDFromInt returns the ChatID for a numeric chat id.
func ChatIDFromInt(id int64) ChatID {
	return ChatID(strconv.FormatInt(id, 10))
}

// ChannelID returns the ChatID for a public channel username.
func ChannelID(username string) ChatID {
	return ChatID("@" + strings.TrimPrefix(username, "@"))
}

// Command splits a "/command@bot args" message into its lowercase name and
// the remaining text. ok is false when text is not a command.
func Command(text string) (name, args string, ok bool) {
	if !strings.HasPrefix(text, "/") {
		return "", "", false
	}
	head, rest, _ := strings.Cut(text[1:], " ")
	if i := strings.IndexByte(head, '\n'); i >= 0 {
		rest = head[i+1:] + " " + rest
		head = head[:i]
	}
	head, _, _ = strings.Cut(head, "@")
	if head == "" {
		return "", "", false
	}
	return strings.ToLower(head), strings.TrimSpace(rest), true
}
