package protocol

// RPC method names, dotted lowercase. Only MethodAgent and MethodChatSend
// start agent turns; everything else is management surface.
const (
	// System
	MethodConnect     = "connect"
	MethodHealth      = "health"
	MethodStatus      = "status"
	MethodMethodsList = "methods.list"
	MethodLogsTail    = "logs.tail"

	// Agent / chat
	MethodAgent       = "agent"
	MethodChatSend    = "chat.send"
	MethodChatHistory = "chat.history"
	MethodChatAbort   = "chat.abort"

	// Sessions
	MethodSessionsList    = "sessions.list"
	MethodSessionsPreview = "sessions.preview"
	MethodSessionsDelete  = "sessions.delete"
	MethodSessionsReset   = "sessions.reset"

	// Channels
	MethodChannelsList    = "channels.list"
	MethodChannelsStatus  = "channels.status"
	MethodChannelsStart   = "channels.start"
	MethodChannelsStop    = "channels.stop"
	MethodChannelsRestart = "channels.restart"
	MethodChannelsLogout  = "channels.logout"

	// Config
	MethodConfigGet   = "config.get"
	MethodConfigPatch = "config.patch"

	// Cron
	MethodCronList   = "cron.list"
	MethodCronCreate = "cron.create"
	MethodCronUpdate = "cron.update"
	MethodCronDelete = "cron.delete"
	MethodCronToggle = "cron.toggle"
	MethodCronRun    = "cron.run"
	MethodCronRuns   = "cron.runs"

	// Tool approvals
	MethodApprovalsList    = "approvals.list"
	MethodApprovalsApprove = "approvals.approve"
	MethodApprovalsDeny    = "approvals.deny"

	// DM pairing
	MethodPairingList    = "pairing.list"
	MethodPairingApprove = "pairing.approve"
	MethodPairingRevoke  = "pairing.revoke"
)

// Connection scopes. Each method declares its minimum scope.
const (
	ScopeRead      = "read"
	ScopeWrite     = "write"
	ScopeAdmin     = "admin"
	ScopeApprovals = "approvals"
	ScopePairing   = "pairing"
)

// ScopeSatisfies reports whether a granted scope covers a required one.
// Admin covers everything; approvals and pairing are distinct grants.
func ScopeSatisfies(granted, required string) bool {
	if granted == required || granted == ScopeAdmin {
		return true
	}
	// write implies read
	return granted == ScopeWrite && required == ScopeRead
}
