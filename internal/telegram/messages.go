package telegram

import (
	"fmt"
	"strings"
	"time"

	"github.com/user/sentinel/internal/storage"
)

// FormatRepoLink creates a markdown link to a repository.
func FormatRepoLink(owner, name string) string {
	return fmt.Sprintf("[%s/%s](https://github.com/%s/%s)", owner, name, owner, name)
}

func formatEvents(types []storage.EventType) string {
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = strings.TrimSuffix(string(t), "Event")
	}
	return strings.Join(names, ", ")
}

func formatSubscription(i int, sub storage.Subscription) string {
	return fmt.Sprintf("%d. %s · %s · %s\n",
		i, FormatRepoLink(sub.Owner, sub.Repo), sub.Frequency.String(), formatEvents(sub.Events()))
}

// formatDuration formats a duration to a human-readable string.
func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	days := int(d.Hours() / 24)
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	} else if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	} else if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}

const helpText = `📚 *Commands*

*Subscriptions:*
• ` + "`/subscribe <owner/repo> [daily|weekly]`" + ` - subscribe to a repository
• ` + "`/unsubscribe <owner/repo>`" + ` - remove a subscription
• ` + "`/list`" + ` - show subscriptions

*Reports:*
• ` + "`/check <owner/repo> [YYYY-MM-DD~YYYY-MM-DD]`" + ` - generate a report now
• ` + "`/hn`" + ` - Hacker News digest

*Other:*
• ` + "`/status`" + ` - scheduler and API status

*Examples:*
` + "```" + `
/subscribe golang/go weekly
/check golang/go 2024-09-01~2024-09-07
/sub torvalds/linux
/unsub torvalds/linux
` + "```"

const startText = `🤖 *GitHub progress reports*

I summarise activity of any public GitHub repository on a daily or weekly schedule and can build a report for any date range on demand.

Start with ` + "`/subscribe owner/repo`" + `, or use /help to see every command.`
