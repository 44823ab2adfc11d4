package postgres

import "github.com/souktech/kyb-onboarding-bfa/internal/port"

var _ port.KYBStore = (*Store)(nil)
