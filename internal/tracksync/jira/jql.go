package jira

import (
	"fmt"
	"sort"
	"strings"

	"k8s.io/apimachinery/pkg/util/sets"
)

// RefreshJQL builds the bulk query for the cache refresh: every issue whose
// status is not excluded, plus anything reported by or assigned to the current
// user regardless of status.
func RefreshJQL(excludedStatuses sets.Set[string]) string {
	mine := "reporter = currentUser() OR assignee = currentUser()"
	if excludedStatuses.Len() == 0 {
		return fmt.Sprintf("%s ORDER BY key DESC", mine)
	}

	quoted := make([]string, 0, excludedStatuses.Len())
	for _, status := range sorted(excludedStatuses) {
		quoted = append(quoted, quote(status))
	}

	return fmt.Sprintf("status NOT IN (%s) OR %s ORDER BY key DESC", strings.Join(quoted, ", "), mine)
}

// SearchJQL builds the ad-hoc query used when the cache is empty: key or
// summary contains the text.
func SearchJQL(text string) string {
	return fmt.Sprintf("summary ~ %s OR key = %s ORDER BY key DESC", quote(text), quote(strings.ToUpper(text)))
}

// MyOpenSprintIssuesJQL selects issues assigned to the current user within
// open sprints.
func MyOpenSprintIssuesJQL() string {
	return "assignee = currentUser() AND sprint IN openSprints() ORDER BY key DESC"
}

// MyIssuesJQL selects issues assigned to the current user with no sprint
// filter, the fallback when no open-sprint issues exist.
func MyIssuesJQL() string {
	return "assignee = currentUser() ORDER BY key DESC"
}

// MyReportedOrAssignedJQL selects issues reported by or assigned to the
// current user.
func MyReportedOrAssignedJQL() string {
	return "(reporter = currentUser() OR assignee = currentUser()) ORDER BY key DESC"
}

// KeysJQL selects the given issue keys.
func KeysJQL(keys []string) string {
	quoted := make([]string, 0, len(keys))
	for _, key := range keys {
		quoted = append(quoted, quote(key))
	}
	return fmt.Sprintf("key IN (%s)", strings.Join(quoted, ", "))
}

func quote(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `\"`) + `"`
}

func sorted(s sets.Set[string]) []string {
	list := s.UnsortedList()
	sort.Strings(list)
	return list
}
