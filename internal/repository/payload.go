package repository

import (
	"encoding/json"
	"fmt"
	"time"
)

// Domain groups operation types for filtering and routing.
type Domain string

const (
	DomainExport         Domain = "export"
	DomainNAV            Domain = "nav"
	DomainMasterdata     Domain = "masterdata"
	DomainFundOperations Domain = "fund_operations"
	DomainAccounting     Domain = "accounting"
	DomainRegulatory     Domain = "regulatory"
)

// OperationType identifies a governed operation, e.g. "nav.publish".
type OperationType string

const (
	OpDataExport             OperationType = "export.data"
	OpInvestorExport         OperationType = "export.investor_data"
	OpNAVPublish             OperationType = "nav.publish"
	OpNAVCorrection          OperationType = "nav.correction"
	OpMasterdataChange       OperationType = "masterdata.change"
	OpBankAccountChange      OperationType = "masterdata.bank_account_change"
	OpFundDistribution       OperationType = "fund.distribution"
	OpFundCapitalCall        OperationType = "fund.capital_call"
	OpFundRedemption         OperationType = "fund.redemption"
	OpJournalPosting         OperationType = "accounting.journal_posting"
	OpChartOfAccountsChange  OperationType = "accounting.chart_of_accounts_change"
	OpRegulatoryFilingSubmit OperationType = "regulatory.filing_submit"
	OpRegulatoryFilingAmend  OperationType = "regulatory.filing_amend"
)

// PayloadType tags the concrete variant inside the payload envelope.
type PayloadType string

const (
	PayloadExport                PayloadType = "export"
	PayloadNAVPublication        PayloadType = "nav_publication"
	PayloadNAVCorrection         PayloadType = "nav_correction"
	PayloadMasterdataChange      PayloadType = "masterdata_change"
	PayloadBankAccountChange     PayloadType = "bank_account_change"
	PayloadFundOperation         PayloadType = "fund_operation"
	PayloadJournalPosting        PayloadType = "journal_posting"
	PayloadChartOfAccountsChange PayloadType = "chart_of_accounts_change"
	PayloadRegulatoryFiling      PayloadType = "regulatory_filing"
)

// operationPayloads binds each operation type to the payload variant it
// carries.
var operationPayloads = map[OperationType]PayloadType{
	OpDataExport:             PayloadExport,
	OpInvestorExport:         PayloadExport,
	OpNAVPublish:             PayloadNAVPublication,
	OpNAVCorrection:          PayloadNAVCorrection,
	OpMasterdataChange:       PayloadMasterdataChange,
	OpBankAccountChange:      PayloadBankAccountChange,
	OpFundDistribution:       PayloadFundOperation,
	OpFundCapitalCall:        PayloadFundOperation,
	OpFundRedemption:         PayloadFundOperation,
	OpJournalPosting:         PayloadJournalPosting,
	OpChartOfAccountsChange:  PayloadChartOfAccountsChange,
	OpRegulatoryFilingSubmit: PayloadRegulatoryFiling,
	OpRegulatoryFilingAmend:  PayloadRegulatoryFiling,
}

// PayloadTypeFor returns the payload variant expected for op.
func PayloadTypeFor(op OperationType) (PayloadType, bool) {
	pt, ok := operationPayloads[op]
	return pt, ok
}

// OperationPayload is the tagged union of operation-specific data.
type OperationPayload interface {
	PayloadType() PayloadType
	// MonetaryAmount returns the amount in minor currency units when the
	// operation moves or restates money.
	MonetaryAmount() (int64, bool)
	Validate() error
}

type ExportPayload struct {
	Dataset     string   `json:"dataset"`
	Format      string   `json:"format"`
	Destination string   `json:"destination"`
	RecordCount int      `json:"record_count"`
	Columns     []string `json:"columns,omitempty"`
}

func (ExportPayload) PayloadType() PayloadType      { return PayloadExport }
func (ExportPayload) MonetaryAmount() (int64, bool) { return 0, false }
func (p ExportPayload) Validate() error {
	if p.Dataset == "" {
		return fmt.Errorf("dataset is required")
	}
	if p.RecordCount < 0 {
		return fmt.Errorf("record_count must not be negative")
	}
	return nil
}

type NAVPublicationPayload struct {
	FundID       string    `json:"fund_id"`
	ShareClassID string    `json:"share_class_id,omitempty"`
	NAVDate      time.Time `json:"nav_date"`
	NAVPerShare  int64     `json:"nav_per_share"`
	TotalNAV     int64     `json:"total_nav"`
	Currency     string    `json:"currency"`
}

func (NAVPublicationPayload) PayloadType() PayloadType { return PayloadNAVPublication }
func (p NAVPublicationPayload) MonetaryAmount() (int64, bool) {
	return p.TotalNAV, true
}
func (p NAVPublicationPayload) Validate() error {
	if p.FundID == "" {
		return fmt.Errorf("fund_id is required")
	}
	if p.NAVDate.IsZero() {
		return fmt.Errorf("nav_date is required")
	}
	return nil
}

type NAVCorrectionPayload struct {
	FundID       string    `json:"fund_id"`
	NAVDate      time.Time `json:"nav_date"`
	PreviousNAV  int64     `json:"previous_nav"`
	CorrectedNAV int64     `json:"corrected_nav"`
	Currency     string    `json:"currency"`
	Reason       string    `json:"reason"`
}

func (NAVCorrectionPayload) PayloadType() PayloadType { return PayloadNAVCorrection }

// MonetaryAmount is the absolute restatement impact.
func (p NAVCorrectionPayload) MonetaryAmount() (int64, bool) {
	d := p.CorrectedNAV - p.PreviousNAV
	if d < 0 {
		d = -d
	}
	return d, true
}
func (p NAVCorrectionPayload) Validate() error {
	if p.FundID == "" {
		return fmt.Errorf("fund_id is required")
	}
	if p.Reason == "" {
		return fmt.Errorf("reason is required")
	}
	return nil
}

type MasterdataChangePayload struct {
	EntityType string            `json:"entity_type"`
	EntityID   string            `json:"entity_id"`
	Fields     map[string]string `json:"fields"`
}

func (MasterdataChangePayload) PayloadType() PayloadType      { return PayloadMasterdataChange }
func (MasterdataChangePayload) MonetaryAmount() (int64, bool) { return 0, false }
func (p MasterdataChangePayload) Validate() error {
	if p.EntityType == "" || p.EntityID == "" {
		return fmt.Errorf("entity_type and entity_id are required")
	}
	if len(p.Fields) == 0 {
		return fmt.Errorf("at least one field change is required")
	}
	return nil
}

type BankAccountChangePayload struct {
	CounterpartyID string `json:"counterparty_id"`
	OldIBAN        string `json:"old_iban,omitempty"`
	NewIBAN        string `json:"new_iban"`
	BIC            string `json:"bic,omitempty"`
	Currency       string `json:"currency"`
}

func (BankAccountChangePayload) PayloadType() PayloadType      { return PayloadBankAccountChange }
func (BankAccountChangePayload) MonetaryAmount() (int64, bool) { return 0, false }
func (p BankAccountChangePayload) Validate() error {
	if p.CounterpartyID == "" || p.NewIBAN == "" {
		return fmt.Errorf("counterparty_id and new_iban are required")
	}
	return nil
}

type FundOperationPayload struct {
	FundID        string    `json:"fund_id"`
	Amount        int64     `json:"amount"`
	Currency      string    `json:"currency"`
	InvestorCount int       `json:"investor_count"`
	ValueDate     time.Time `json:"value_date"`
}

func (FundOperationPayload) PayloadType() PayloadType        { return PayloadFundOperation }
func (p FundOperationPayload) MonetaryAmount() (int64, bool) { return p.Amount, true }
func (p FundOperationPayload) Validate() error {
	if p.FundID == "" {
		return fmt.Errorf("fund_id is required")
	}
	if p.Amount <= 0 {
		return fmt.Errorf("amount must be positive")
	}
	return nil
}

type JournalPostingPayload struct {
	JournalID  string `json:"journal_id"`
	Period     string `json:"period"`
	TotalDebit int64  `json:"total_debit"`
	Currency   string `json:"currency"`
	LineCount  int    `json:"line_count"`
}

func (JournalPostingPayload) PayloadType() PayloadType        { return PayloadJournalPosting }
func (p JournalPostingPayload) MonetaryAmount() (int64, bool) { return p.TotalDebit, true }
func (p JournalPostingPayload) Validate() error {
	if p.JournalID == "" {
		return fmt.Errorf("journal_id is required")
	}
	return nil
}

type ChartOfAccountsChangePayload struct {
	AccountCode string `json:"account_code"`
	ChangeKind  string `json:"change_kind"`
	Description string `json:"description,omitempty"`
}

func (ChartOfAccountsChangePayload) PayloadType() PayloadType      { return PayloadChartOfAccountsChange }
func (ChartOfAccountsChangePayload) MonetaryAmount() (int64, bool) { return 0, false }
func (p ChartOfAccountsChangePayload) Validate() error {
	if p.AccountCode == "" {
		return fmt.Errorf("account_code is required")
	}
	switch p.ChangeKind {
	case "create", "rename", "deactivate", "remap":
		return nil
	}
	return fmt.Errorf("unsupported change_kind %q", p.ChangeKind)
}

type RegulatoryFilingPayload struct {
	Regulator  string   `json:"regulator"`
	FilingType string   `json:"filing_type"`
	Period     string   `json:"period"`
	FundIDs    []string `json:"fund_ids,omitempty"`
	DocumentID string   `json:"document_id,omitempty"`
}

func (RegulatoryFilingPayload) PayloadType() PayloadType      { return PayloadRegulatoryFiling }
func (RegulatoryFilingPayload) MonetaryAmount() (int64, bool) { return 0, false }
func (p RegulatoryFilingPayload) Validate() error {
	if p.Regulator == "" || p.FilingType == "" || p.Period == "" {
		return fmt.Errorf("regulator, filing_type and period are required")
	}
	return nil
}

type payloadEnvelope struct {
	Type PayloadType     `json:"type"`
	Data json.RawMessage `json:"data"`
}

// EncodePayload writes p as {"type": ..., "data": ...}. A nil payload
// encodes as JSON null.
func EncodePayload(p OperationPayload) (json.RawMessage, error) {
	if p == nil {
		return json.RawMessage("null"), nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", p.PayloadType(), err)
	}
	return json.Marshal(payloadEnvelope{Type: p.PayloadType(), Data: data})
}

// DecodePayload reads an envelope produced by EncodePayload.
func DecodePayload(raw []byte) (OperationPayload, error) {
	var env payloadEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode payload envelope: %w", err)
	}

	switch env.Type {
	case PayloadExport:
		return decodeAs[ExportPayload](env)
	case PayloadNAVPublication:
		return decodeAs[NAVPublicationPayload](env)
	case PayloadNAVCorrection:
		return decodeAs[NAVCorrectionPayload](env)
	case PayloadMasterdataChange:
		return decodeAs[MasterdataChangePayload](env)
	case PayloadBankAccountChange:
		return decodeAs[BankAccountChangePayload](env)
	case PayloadFundOperation:
		return decodeAs[FundOperationPayload](env)
	case PayloadJournalPosting:
		return decodeAs[JournalPostingPayload](env)
	case PayloadChartOfAccountsChange:
		return decodeAs[ChartOfAccountsChangePayload](env)
	case PayloadRegulatoryFiling:
		return decodeAs[RegulatoryFilingPayload](env)
	}
	return nil, fmt.Errorf("unknown payload type %q", env.Type)
}

func decodeAs[T OperationPayload](env payloadEnvelope) (OperationPayload, error) {
	var v T
	if err := json.Unmarshal(env.Data, &v); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", env.Type, err)
	}
	return v, nil
}
