// Package i18n holds the localized user-facing strings of the player.
// Raw error text never reaches the viewer; callers map failures to a Key.
package i18n

import (
	"fmt"
	"strings"
)

// Key identifies a user-facing message.
type Key string

const (
	Buffering        Key = "buffering"
	Reconnecting     Key = "reconnecting"
	Unavailable      Key = "unavailable"
	StreamOffline    Key = "stream_offline"
	Paused           Key = "paused"
	Live             Key = "live"
	Viewers          Key = "viewers" // takes the count
	ChatConnecting   Key = "chat_connecting"
	ChatOnline       Key = "chat_online"
	ChatReconnecting Key = "chat_reconnecting"
	PollEnded        Key = "poll_ended"
	VoteRecorded     Key = "vote_recorded"
)

// DefaultLang is used for unknown languages and missing keys.
const DefaultLang = "en"

var catalog = map[string]map[Key]string{
	"en": {
		Buffering:        "Buffering…",
		Reconnecting:     "Reconnecting…",
		Unavailable:      "Stream unavailable. Reload to try again.",
		StreamOffline:    "The stream is offline. It will start automatically when the broadcast begins.",
		Paused:           "Paused",
		Live:             "LIVE",
		Viewers:          "%d watching",
		ChatConnecting:   "Connecting to chat…",
		ChatOnline:       "Chat connected",
		ChatReconnecting: "Chat reconnecting…",
		PollEnded:        "Poll ended",
		VoteRecorded:     "Vote recorded",
	},
	"ar": {
		Buffering:        "جارٍ التحميل…",
		Reconnecting:     "جارٍ إعادة الاتصال…",
		Unavailable:      "البث غير متاح. أعد التحميل للمحاولة مرة أخرى.",
		StreamOffline:    "البث متوقف حالياً. سيبدأ تلقائياً عند انطلاق البث.",
		Paused:           "متوقف مؤقتاً",
		Live:             "مباشر",
		Viewers:          "%d مشاهد",
		ChatConnecting:   "جارٍ الاتصال بالدردشة…",
		ChatOnline:       "الدردشة متصلة",
		ChatReconnecting: "جارٍ إعادة اتصال الدردشة…",
		PollEnded:        "انتهى التصويت",
		VoteRecorded:     "تم تسجيل صوتك",
	},
	"tr": {
		Buffering:        "Yükleniyor…",
		Reconnecting:     "Yeniden bağlanılıyor…",
		Unavailable:      "Yayın kullanılamıyor. Tekrar denemek için yenileyin.",
		StreamOffline:    "Yayın şu anda çevrimdışı. Yayın başladığında otomatik olarak açılacak.",
		Paused:           "Duraklatıldı",
		Live:             "CANLI",
		Viewers:          "%d izleyici",
		ChatConnecting:   "Sohbete bağlanılıyor…",
		ChatOnline:       "Sohbet bağlı",
		ChatReconnecting: "Sohbet yeniden bağlanıyor…",
		PollEnded:        "Anket sona erdi",
		VoteRecorded:     "Oyunuz kaydedildi",
	},
}

// Normalize reduces a language tag such as "ar-EG" to a supported base language.
func Normalize(lang string) string {
	base, _, _ := strings.Cut(strings.ToLower(strings.TrimSpace(lang)), "-")
	base, _, _ = strings.Cut(base, "_")
	if _, ok := catalog[base]; ok {
		return base
	}
	return DefaultLang
}

// Message returns the text for key in lang, falling back to English.
func Message(lang string, key Key, args ...any) string {
	text, ok := catalog[Normalize(lang)][key]
	if !ok {
		text, ok = catalog[DefaultLang][key]
	}
	if !ok {
		return string(key)
	}
	if len(args) > 0 {
		return fmt.Sprintf(text, args...)
	}
	return text
}

// RTL reports whether lang is written right to left.
func RTL(lang string) bool {
	return Normalize(lang) == "ar"
}
