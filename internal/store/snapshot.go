package store

import (
	"context"
	"fmt"
	"strings"
)

// snapshotTopK bounds each section of the context snapshot so the prompt
// stays small.
const snapshotTopK = 10

// Snapshot builds the read-only clinic context string injected into the LLM
// prompt: available doctors, accepted insurance, and the caller's
// appointments for today. Each section is truncated to the top
// [snapshotTopK] entries. Errors from individual reads degrade to an
// omitted section rather than failing the turn.
func Snapshot(ctx context.Context, repo Repository, phone string) string {
	var b strings.Builder

	if doctors, err := repo.ListDoctors(ctx); err == nil && len(doctors) > 0 {
		b.WriteString("الأطباء المتاحون:\n")
		for i, d := range doctors {
			if i == snapshotTopK {
				break
			}
			fmt.Fprintf(&b, "- %s (%s) — %s\n", d.NameAr, d.SpecialtyAr, d.Branch)
		}
	}

	if companies, err := repo.ListInsurance(ctx); err == nil && len(companies) > 0 {
		b.WriteString("شركات التأمين:\n")
		for i, c := range companies {
			if i == snapshotTopK {
				break
			}
			coverage := "غير مقبول"
			if c.Covered {
				coverage = fmt.Sprintf("تغطية %d%%", c.CoveragePercent)
			}
			fmt.Fprintf(&b, "- %s: %s\n", c.CompanyNameAr, coverage)
		}
	}

	if phone != "" {
		if appts, err := repo.TodaysAppointments(ctx, phone); err == nil && len(appts) > 0 {
			b.WriteString("مواعيد المتصل اليوم:\n")
			for i, a := range appts {
				if i == snapshotTopK {
					break
				}
				fmt.Fprintf(&b, "- موعد رقم %d الساعة %s (%s)\n",
					a.ID, a.StartsAt.Format("15:04"), a.Status)
			}
		}
	}

	return b.String()
}
