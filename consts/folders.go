package consts

// DefaultFolders is the folder set scanned when the caller does not pass an
// explicit list and the server folder listing is unavailable.
var DefaultFolders = []string{
	"INBOX",
	"Sent",
	"Drafts",
	"Archive",
	"Junk",
	"Trash",
}
