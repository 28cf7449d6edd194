package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/coursehive/enrollment-service/internal/clock"
	"github.com/coursehive/enrollment-service/internal/enrollment/application"
	"github.com/coursehive/enrollment-service/internal/enrollment/domain"
	enrollmongo "github.com/coursehive/enrollment-service/internal/enrollment/infrastructure/mongo"
)

func indexesCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "indexes",
		Short: "Create the collection indexes",
		RunE: func(cmd *cobra.Command, _ []string) error {
			defer e.close()
			db, err := e.database(cmd.Context())
			if err != nil {
				return err
			}
			if err := enrollmongo.EnsureIndexes(cmd.Context(), db); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "indexes ready")
			return nil
		},
	}
}

func couponCmd(e *env) *cobra.Command {
	var (
		percent int
		scope   string
		limit   int
		expires string
	)
	cmd := &cobra.Command{
		Use:   "coupon-create [code]",
		Short: "Create an active coupon",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			defer e.close()
			now := time.Now().UTC()
			c := domain.Coupon{
				ID:            uuid.NewString(),
				Code:          domain.NormalizeCode(args[0]),
				DiscountValue: percent,
				Scope:         strings.TrimSpace(scope),
				Active:        true,
				CreatedAt:     now,
				UpdatedAt:     now,
			}
			if c.Code == "" {
				return fmt.Errorf("code must not be empty")
			}
			if percent < 1 || percent > 100 {
				return fmt.Errorf("percent must be between 1 and 100")
			}
			if limit > 0 {
				c.UsageLimit = &limit
			}
			if expires != "" {
				at, err := time.Parse(time.RFC3339, expires)
				if err != nil {
					return fmt.Errorf("expires: %w", err)
				}
				at = at.UTC()
				c.ExpiresAt = &at
			}

			db, err := e.database(cmd.Context())
			if err != nil {
				return err
			}
			if err := enrollmongo.NewCouponRepository(e.log, db).Insert(cmd.Context(), c); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "coupon %s created (%s)\n", c.Code, c.ID)
			return nil
		},
	}
	cmd.Flags().IntVarP(&percent, "percent", "p", 0, "Discount percentage (1-100)")
	cmd.Flags().StringVarP(&scope, "scope", "s", domain.ScopeAll, "Course id or \"all\"")
	cmd.Flags().IntVarP(&limit, "limit", "l", 0, "Usage limit, 0 for unlimited")
	cmd.Flags().StringVar(&expires, "expires", "", "Expiry as RFC3339")
	return cmd
}

func sweepCouponsCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep-coupons",
		Short: "Deactivate expired coupons and drop their cached prices",
		RunE: func(cmd *cobra.Command, _ []string) error {
			defer e.close()
			db, err := e.database(cmd.Context())
			if err != nil {
				return err
			}
			store, err := e.cache()
			if err != nil {
				return err
			}
			coupons := application.NewCoupons(e.log, enrollmongo.NewCouponRepository(e.log, db), store, clock.NewSystem())
			n, err := coupons.DeactivateStale(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deactivated %d coupons\n", n)
			return nil
		},
	}
}

func invalidateCmd(e *env) *cobra.Command {
	var course bool
	cmd := &cobra.Command{
		Use:   "invalidate [pattern...]",
		Short: "Delete cached keys starting with each pattern",
		Long: `Delete every cached key starting with the given prefixes, e.g.
  enrollmentctl invalidate pricing:c1: enrollments:student:s1
With --course the arguments are course ids and the course entry plus its
cached prices are dropped.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			defer e.close()
			store, err := e.cache()
			if err != nil {
				return err
			}
			var deleted int
			if course {
				courses := application.NewCachedCourses(nil, store, 0)
				for _, id := range args {
					deleted += courses.Forget(cmd.Context(), id)
				}
			} else {
				deleted = store.InvalidateMany(cmd.Context(), args...)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d keys\n", deleted)
			return nil
		},
	}
	cmd.Flags().BoolVar(&course, "course", false, "Treat arguments as course ids")
	return cmd
}

func heldCmd(e *env) *cobra.Command {
	var limit int64
	cmd := &cobra.Command{
		Use:   "held",
		Short: "List enrollments held because the charge disagreed with checkout",
		RunE: func(cmd *cobra.Command, _ []string) error {
			defer e.close()
			r, err := e.reconciler(cmd.Context())
			if err != nil {
				return err
			}
			list, err := r.Held(cmd.Context(), limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, en := range list {
				fmt.Fprintf(out, "%s\t%s\t%s\t%s %s\t%s\n", en.ID, en.StudentID, en.CourseID,
					en.AmountPaid.StringFixed(2), strings.ToUpper(en.Currency), en.PaymentSessionID)
			}
			fmt.Fprintf(out, "%d held\n", len(list))
			return nil
		},
	}
	cmd.Flags().Int64VarP(&limit, "limit", "l", 100, "Maximum rows")
	return cmd
}

func reconcileCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile [enrollment-id] [paid|failed]",
		Short: "Resolve a held enrollment after checking the charge in Stripe",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			to, err := parseResolution(args[1])
			if err != nil {
				return err
			}
			defer e.close()
			r, err := e.reconciler(cmd.Context())
			if err != nil {
				return err
			}
			en, err := r.Resolve(cmd.Context(), args[0], to)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "enrollment %s is now %s\n", en.ID, en.Status)
			return nil
		},
	}
}

func parseResolution(s string) (domain.PaymentStatus, error) {
	switch to := domain.PaymentStatus(strings.ToLower(strings.TrimSpace(s))); to {
	case domain.StatusPaid, domain.StatusFailed:
		return to, nil
	default:
		return "", fmt.Errorf("resolution must be paid or failed, got %q", s)
	}
}
