package worker

import (
	"context"
	"time"

	"github.com/cloudillo/cloudillo-sub008/internal/identity"
)

const certRenewalWindow = 30 * 24 * time.Hour

// NewCertRenewalTask polls for certificates expiring within 30 days and
// re-runs the ACME HTTP-01 flow for each. A single tenant's renewal failure
// (e.g. a transient ACME outage) doesn't abort the rest of the batch; the
// next scheduled run picks it up again since the certificate is still due.
func NewCertRenewalTask(ident *identity.Service, acmeDirectoryURL, acmeEmail string, interval time.Duration) *Task {
	return &Task{
		Name:     "cert-renewal",
		Interval: interval,
		Run: func(ctx context.Context) (time.Duration, bool, error) {
			idTags, err := ident.CertificatesDueForRenewal(ctx, certRenewalWindow)
			if err != nil {
				return 0, false, err
			}
			for _, idTag := range idTags {
				if err := ident.IssueCertificate(ctx, idTag, acmeDirectoryURL, acmeEmail); err != nil {
					log.WithField("task", "cert-renewal").Warnf("renewal failed for %v: %v", idTag, err)
				}
			}
			return 0, false, nil
		},
	}
}
