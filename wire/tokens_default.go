package wire

// defaultSingleByte holds the single-byte token table. Index 0 is reserved
// for the empty list marker and never matches a string.
var defaultSingleByte = []string{
	"",
	"xmlstreamend", "s.whatsapp.net", "type", "participant", "from", "receipt", "id", "notification",
	"disappearing_mode", "status", "jid", "broadcast", "user", "devices", "device_hash", "to",
	"offline", "message", "result", "class", "xmlns", "duration", "notify", "iq", "t", "ack", "g.us",
	"enc", "urn:xmpp:whatsapp:push", "presence", "config_value", "picture", "verified_name",
	"config_code", "key-index-list", "contact", "mediatype", "routing_info", "edge_routing", "get",
	"read", "urn:xmpp:ping", "fallback_hostname", "0", "chatstate", "unavailable", "skmsg",
	"composing", "handshake", "device-list", "media", "text", "media_conn", "device", "creation",
	"location", "config", "item", "count", "image", "business", "2", "hostname", "platform",
	"success", "msg", "offline_preview", "prop", "key-index", "v", "pkmsg", "version", "1", "ping",
	"w:p", "video", "set", "props", "primary", "unknown", "hash", "last", "subscribe", "call",
	"profile", "sticker", "mode", "participants", "value", "query", "code", "list", "host", "ts",
	"contacts", "upload", "lid", "preview", "update", "usync", "delivery", "context", "fail",
	"appdata", "category", "decrypt-fail", "target", "available", "name", "last_id", "index", "ip4",
	"recipient", "edit", "ip6", "add", "paused", "true", "identity", "stream:error", "key", "audio",
	"3", "error", "auth", "deny", "serial", "in", "registration", "remove", "gif", "tag",
	"capability", "item-not-found", "description", "expiration", "fallback", "ttl", "out", "w:m",
	"token", "inactive", "document", "played", "encrypt", "hide", "state", "not-authorized", "url",
	"terminate", "signature", "failure", "ib", "skey", "reason", "conflict", "replaced", "encrypt_v2",
	"retry", "sync", "history", "app_state", "offline_batch", "dirty", "keys", "plaintext",
	"reaction", "poll", "body", "mimetype", "caption", "latitude", "longitude", "address", "content",
	"opaque", "priority", "push_name", "pong", "passive", "username", "client", "register", "reg_id",
	"e_regid", "e_keytype", "e_ident", "e_skey_id", "e_skey_val", "e_skey_sig", "agent", "401", "403",
	"405", "409", "500", "503", "515", "logout", "device_removed",
}

// defaultDoubleByte holds the double-byte token tables, selected by the
// Dictionary0..Dictionary3 tags.
var defaultDoubleByte = [][]string{
	{
		"w:profile:picture", "business_hours_config", "download_buckets", "verified_level",
		"fallback_ip4", "fallback_ip6", "call-creator", "display_name", "relaylatency", "abprops",
		"day_of_week", "download", "specific_hours", "commerce_experience", "max_buckets",
		"member_since_text", "close_time", "call-id", "profile_options", "open_time", "w:stats",
		"auth_ttl", "cart_enabled", "atn", "direct_connection", "relay_id", "mmg-fallback.whatsapp.net",
		"mmg.whatsapp.net", "categories", "is_new", "tctoken", "token_id", "latency",
		"thumbnail-document", "26", "sidelist", "background", "thumbnail-image", "biz-cover-photo",
		"cat", "gcm", "thumbnail-video", "thumbnail-link", "00", "thumbnail-gif", "multicast",
		"business_hours", "config_expo_key", "md-app-state", "300", "md-msg-hist", "device_orientation",
		"open_24h", "side_list", "01", "te2", "msgr", "direct_path", "12", "status-revoke-delay", "02",
		"te", "linked_accounts", "trusted_contact", "timezone", "ptt", "kyc-id", "private_stats",
	},
	{
		"w:sync:app:state", "w:biz", "urn:xmpp:whatsapp:account", "w:g2", "w:web", "passive_active",
		"md", "identity_changed", "server_sync", "collection", "patch", "snapshot", "mutation",
		"critical_block", "critical_unblock_low", "regular", "regular_high", "regular_low", "blocklist",
		"privacy", "picture_id", "w:mex", "newsletter",
	},
}
