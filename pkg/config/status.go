package config

// RuntimeChecks is the per-concern readiness detail.
type RuntimeChecks struct {
	AdminPasswordConfigured    bool   `json:"adminPasswordConfigured"`
	PopEnforced                bool   `json:"popEnforced"`
	PopSignerConfigured        bool   `json:"popSignerConfigured"`
	PopSignerPubkey            string `json:"popSignerPubkey,omitempty"`
	PopSignerError             string `json:"popSignerError,omitempty"`
	AuditMode                  string `json:"auditMode"`
	AuditOperationalReady      bool   `json:"auditOperationalReady"`
	AuditPrimarySinkConfigured bool   `json:"auditPrimarySinkConfigured"`
	CORSOrigin                 string `json:"corsOrigin,omitempty"`
}

// RuntimeStatus is the /v1/school/runtime-status payload.
type RuntimeStatus struct {
	Ready          bool          `json:"ready"`
	CheckedAt      string        `json:"checkedAt"`
	Checks         RuntimeChecks `json:"checks"`
	BlockingIssues []string      `json:"blockingIssues"`
	Warnings       []string      `json:"warnings"`
}

// StatusInput carries the live probe results the status is derived from.
type StatusInput struct {
	AdminPasswordConfigured bool
	PopEnforced             bool
	PopSignerConfigured     bool
	PopSignerPubkey         string
	PopSignerError          string
	AuditMode               string
	AuditPrimaryConfigured  bool
	AuditOperationalReady   bool
	CORSOrigin              string
	CORSConfigured          bool
	CheckedAt               string
}

// BuildRuntimeStatus derives readiness from the probe results. Blocking:
// missing master password, enforced PoP without a working signer, required
// audit mode without an operational primary sink. Unset CORS only warns.
func BuildRuntimeStatus(in StatusInput) RuntimeStatus {
	st := RuntimeStatus{
		CheckedAt:      in.CheckedAt,
		BlockingIssues: []string{},
		Warnings:       []string{},
		Checks: RuntimeChecks{
			AdminPasswordConfigured:    in.AdminPasswordConfigured,
			PopEnforced:                in.PopEnforced,
			PopSignerConfigured:        in.PopSignerConfigured,
			PopSignerPubkey:            in.PopSignerPubkey,
			PopSignerError:             in.PopSignerError,
			AuditMode:                  in.AuditMode,
			AuditOperationalReady:      in.AuditOperationalReady,
			AuditPrimarySinkConfigured: in.AuditPrimaryConfigured,
			CORSOrigin:                 in.CORSOrigin,
		},
	}
	if !in.AdminPasswordConfigured {
		st.BlockingIssues = append(st.BlockingIssues, "ADMIN_PASSWORD is unset or still the default placeholder")
	}
	if in.PopEnforced {
		if !in.PopSignerConfigured {
			st.BlockingIssues = append(st.BlockingIssues, "on-chain PoP is enforced but no signer key is configured")
		} else if in.PopSignerError != "" {
			st.BlockingIssues = append(st.BlockingIssues, "PoP signer configuration error: "+in.PopSignerError)
		}
	}
	if in.AuditMode == "required" && !in.AuditOperationalReady {
		st.BlockingIssues = append(st.BlockingIssues, "audit immutable mode is required but the primary sink is not operational")
	}
	if !in.CORSConfigured {
		st.Warnings = append(st.Warnings, "CORS_ORIGIN is unset or still the default placeholder")
	}
	st.Ready = len(st.BlockingIssues) == 0
	return st
}
