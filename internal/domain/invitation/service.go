package invitation

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/trialcare/trialcare/internal/domain/admin"
	"github.com/trialcare/trialcare/internal/domain/authz"
	"github.com/trialcare/trialcare/internal/domain/role"
	"github.com/trialcare/trialcare/internal/platform/apperr"
	"github.com/trialcare/trialcare/internal/platform/telemetry"
	"github.com/trialcare/trialcare/internal/platform/token"
	"github.com/trialcare/trialcare/pkg/isoduration"
)

// Message is everything a notifier needs to render one invitation email.
type Message struct {
	Email         string
	Language      string
	ClientID      string
	Link          string
	Code          string
	ShortenedCode string
	RoleID        string
	RoleName      string
	SenderName    string
	ExpiresAt     time.Time
	Extra         map[string]interface{}
}

// Notifier delivers invitation emails. One method per scenario.
type Notifier interface {
	SendInvitation(ctx context.Context, msg Message) error
	SendUserInvitation(ctx context.Context, msg Message) error
	SendProxyInvitation(ctx context.Context, msg Message) error
	SendAdminInvitation(ctx context.Context, msg Message) error
	SendRoleUpdate(ctx context.Context, msg Message) error
	SendProxyLinked(ctx context.Context, msg Message) error
}

// TxRunner runs fn in a storage transaction.
type TxRunner interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type noTx struct{}

func (noTx) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error { return fn(ctx) }

// Config holds the invitation lifecycle settings.
type Config struct {
	ExpiresIn         isoduration.Duration
	ProxyExpiresIn    isoduration.Duration
	MaxResendTimes    int
	ShortCodeLength   int
	ShortCodeAttempts int
	LinkBaseURL       string
}

func DefaultConfig() Config {
	return Config{
		ExpiresIn:         isoduration.MustParse("P1W"),
		ProxyExpiresIn:    isoduration.MustParse("P1D"),
		MaxResendTimes:    5,
		ShortCodeLength:   16,
		ShortCodeAttempts: 100,
	}
}

// Token claims embedded into invitation codes.
const (
	claimPrivacyPolicyURL = "privacyPolicyUrl"
	claimEULAURL          = "eulaUrl"
	claimTermsURL         = "termAndConditionUrl"
	claimCountryCode      = "countryCode"
	claimCreateDateTime   = "createDateTime"
)

// ExtraDependant is the extraInfo key holding the patient's name on proxy invitations.
const ExtraDependant = "dependant"

type messageKind int

const (
	kindRole messageKind = iota
	kindUser
	kindProxy
	kindAdmin
)

type Service struct {
	repo     Repository
	dir      Directory
	policy   *Policy
	factory  *role.Factory
	tokens   *token.Issuer
	notifier Notifier
	tx       TxRunner
	metrics  *telemetry.Provider
	cfg      Config
	logger   zerolog.Logger
	now      func() time.Time
	random   io.Reader
}

func NewService(repo Repository, dir Directory, policy *Policy, factory *role.Factory, tokens *token.Issuer, cfg Config, logger zerolog.Logger) *Service {
	def := DefaultConfig()
	if cfg.ExpiresIn.IsZero() {
		cfg.ExpiresIn = def.ExpiresIn
	}
	if cfg.ProxyExpiresIn.IsZero() {
		cfg.ProxyExpiresIn = def.ProxyExpiresIn
	}
	if cfg.MaxResendTimes <= 0 {
		cfg.MaxResendTimes = def.MaxResendTimes
	}
	if cfg.ShortCodeLength <= 0 {
		cfg.ShortCodeLength = def.ShortCodeLength
	}
	if cfg.ShortCodeAttempts <= 0 {
		cfg.ShortCodeAttempts = def.ShortCodeAttempts
	}
	return &Service{
		repo:    repo,
		dir:     dir,
		policy:  policy,
		factory: factory,
		tokens:  tokens,
		tx:      noTx{},
		cfg:     cfg,
		logger:  logger.With().Str("component", "invitation").Logger(),
		now:     time.Now,
		random:  rand.Reader,
	}
}

// SetNotifier attaches the email notifier. Without one invitations are stored
// but not delivered.
func (s *Service) SetNotifier(n Notifier) {
	s.notifier = n
}

// SetTxRunner makes sign-up atomic.
func (s *Service) SetTxRunner(tx TxRunner) {
	s.tx = tx
}

func (s *Service) SetMetrics(p *telemetry.Provider) {
	s.metrics = p
}

// denied records permission failures of op and passes err through.
func (s *Service) denied(op string, err error) error {
	if errors.Is(err, apperr.ErrPermissionDenied) {
		s.metrics.PermissionDenied(op)
	}
	return err
}

// -- Send --

// SendRequest invites one or more emails to a role.
type SendRequest struct {
	Emails    []string
	RoleID    string
	Targets   Targets
	ClientID  string
	Language  string
	ExpiresIn *isoduration.Duration
}

// SendResult reports what happened to each email of a send request.
type SendResult struct {
	IDs                   []string `json:"ids"`
	AlreadySignedUpEmails []string `json:"alreadySignedUpEmails"`
	RoleGrantedEmails     []string `json:"roleGrantedEmails"`
}

// sendPlan is the per-request state shared by every email of a send.
type sendPlan struct {
	roles     []role.Assignment
	kind      messageKind
	roleName  string
	expiresAt time.Time
	claims    map[string]interface{}
	extra     map[string]interface{}
	clientID  string
	language  string
}

// SendInvitations invites every email to the requested role. Users that exist
// without any role are granted it directly. Users that already hold roles are
// reported and left alone.
func (s *Service) SendInvitations(ctx context.Context, submitter *authz.AuthorizedUser, req SendRequest) (*SendResult, error) {
	emails := uniqueEmails(req.Emails)
	// A patient has at most one pending proxy invitation.
	if req.RoleID == role.Proxy && len(emails) > 1 {
		return nil, apperr.InvalidRequest("a proxy invitation goes to exactly one email, got %d", len(emails))
	}
	if err := s.policy.CanSubmitInvitation(ctx, submitter, req.RoleID, req.Targets); err != nil {
		return nil, s.denied("send", err)
	}

	plan := sendPlan{clientID: req.ClientID, language: req.Language, kind: kindRole}
	expires := s.cfg.ExpiresIn
	if req.ExpiresIn != nil && !req.ExpiresIn.IsZero() {
		expires = *req.ExpiresIn
	}

	policyDeps, policyOrg := req.Targets.DeploymentIDs, req.Targets.OrganizationID
	switch {
	case req.RoleID == role.Proxy:
		patient, err := s.dir.GetUser(ctx, req.Targets.PatientID)
		if err != nil {
			return nil, err
		}
		depID := patient.DeploymentID()
		if depID == "" {
			return nil, apperr.InvalidRequest("user %s is not a patient", req.Targets.PatientID)
		}
		plan.roles = []role.Assignment{
			s.factory.CreateProxy(req.Targets.PatientID),
			{RoleID: role.Proxy, Resource: role.FormatResource(role.ResourceDeployment, depID), UserType: role.UserTypeProxy},
		}
		plan.kind = kindProxy
		plan.extra = map[string]interface{}{ExtraDependant: patient.DisplayName()}
		policyDeps = []string{depID}
		expires = s.cfg.ProxyExpiresIn
	default:
		roles, err := s.buildAssignments(ctx, req.RoleID, req.Targets)
		if err != nil {
			return nil, err
		}
		plan.roles = roles
		if req.RoleID == role.User {
			plan.kind = kindUser
		}
	}
	if r, err := s.factory.Resolve(ctx, plan.roles[0]); err == nil {
		plan.roleName = r.Name
	}
	plan.expiresAt = expires.Shift(s.now()).UTC()

	claims, err := s.policyClaims(ctx, policyDeps, policyOrg)
	if err != nil {
		return nil, err
	}
	plan.claims = claims

	return s.deliverAll(ctx, submitter, emails, plan)
}

// buildAssignments creates one assignment per target deployment, or one on
// the organization when no deployment is given.
func (s *Service) buildAssignments(ctx context.Context, roleID string, t Targets) ([]role.Assignment, error) {
	if len(t.DeploymentIDs) == 0 {
		a, err := s.factory.CreateRole(ctx, roleID, t.OrganizationID, role.ResourceOrganization)
		if err != nil {
			return nil, err
		}
		return []role.Assignment{a}, nil
	}

	roles := make([]role.Assignment, 0, len(t.DeploymentIDs))
	for _, depID := range t.DeploymentIDs {
		a, err := s.factory.CreateRole(ctx, roleID, depID, role.ResourceDeployment)
		if err != nil && t.OrganizationID != "" && errors.Is(err, apperr.ErrInvalidRole) {
			// Organization custom roles are granted on each deployment of the organization.
			var r role.Role
			r, err = s.factory.Resolve(ctx, role.Assignment{
				RoleID:   roleID,
				Resource: role.FormatResource(role.ResourceOrganization, t.OrganizationID),
			})
			if err == nil {
				a = role.Assignment{RoleID: roleID, Resource: role.FormatResource(role.ResourceDeployment, depID), UserType: r.UserType}
			}
		}
		if err != nil {
			return nil, err
		}
		roles = append(roles, a)
	}
	return roles, nil
}

func (s *Service) policyClaims(ctx context.Context, deploymentIDs []string, organizationID string) (map[string]interface{}, error) {
	claims := map[string]interface{}{
		claimCreateDateTime: s.now().UTC().Format(time.RFC3339),
	}
	if len(deploymentIDs) == 0 && organizationID == "" {
		return claims, nil
	}
	data, err := s.dir.PolicyData(ctx, deploymentIDs, organizationID)
	if err != nil {
		return nil, err
	}
	for k, v := range map[string]string{
		claimPrivacyPolicyURL: data.PrivacyPolicyURL,
		claimEULAURL:          data.EULAURL,
		claimTermsURL:         data.TermsURL,
		claimCountryCode:      data.CountryCode,
	} {
		if v != "" {
			claims[k] = v
		}
	}
	return claims, nil
}

func (s *Service) deliverAll(ctx context.Context, submitter *authz.AuthorizedUser, emails []string, plan sendPlan) (*SendResult, error) {
	result := &SendResult{IDs: []string{}, AlreadySignedUpEmails: []string{}, RoleGrantedEmails: []string{}}

	for _, email := range emails {
		user, err := s.dir.FindUserByEmail(ctx, email)
		switch {
		case err == nil:
			if err := s.grantExisting(ctx, submitter, user, plan, result); err != nil {
				return nil, err
			}
			continue
		case !errors.Is(err, apperr.ErrUserDoesNotExist):
			return nil, fmt.Errorf("look up user %s: %w", email, err)
		}

		inv := &Invitation{
			Email:       email,
			Roles:       plan.roles,
			NumberOfTry: 1,
			Type:        TypePersonal,
			ExpiresAt:   plan.expiresAt,
			SenderID:    submitter.ID(),
			ClientID:    plan.clientID,
			ExtraInfo:   plan.extra,
		}
		if err := s.createInvitation(ctx, inv, plan.claims); err != nil {
			return nil, err
		}
		result.IDs = append(result.IDs, inv.ID.String())
		s.metrics.InvitationSent(inv.PrimaryRole().RoleID, string(inv.Type))
		s.logger.Info().
			Str("invitation_id", inv.ID.String()).
			Str("role", inv.PrimaryRole().RoleID).
			Str("sender_id", inv.SenderID).
			Msg("invitation sent")

		s.notify(ctx, plan.kind, s.message(inv, plan.roleName, submitter.User.DisplayName(), plan.language))
	}
	return result, nil
}

// grantExisting handles an email that already belongs to a user.
func (s *Service) grantExisting(ctx context.Context, submitter *authz.AuthorizedUser, user *admin.User, plan sendPlan, result *SendResult) error {
	if len(user.Roles) > 0 || !user.BoardingStatus.IsActive() {
		result.AlreadySignedUpEmails = append(result.AlreadySignedUpEmails, user.Email)
		return nil
	}
	if _, err := s.dir.GrantRoles(ctx, user.ID.String(), plan.roles); err != nil {
		return err
	}
	result.RoleGrantedEmails = append(result.RoleGrantedEmails, user.Email)
	s.metrics.RoleGranted()
	s.logger.Info().
		Str("user_id", user.ID.String()).
		Str("role", plan.roles[0].RoleID).
		Str("sender_id", submitter.ID()).
		Msg("role granted to existing user")

	msg := Message{
		Email:      user.Email,
		Language:   firstNonEmpty(user.Language, plan.language),
		ClientID:   plan.clientID,
		RoleID:     plan.roles[0].RoleID,
		RoleName:   plan.roleName,
		SenderName: submitter.User.DisplayName(),
		Extra:      plan.extra,
	}
	if s.notifier != nil {
		if err := s.notifier.SendRoleUpdate(ctx, msg); err != nil {
			s.logger.Error().Err(err).Str("user_id", user.ID.String()).Msg("failed to send role update")
		}
	}
	return nil
}

// createInvitation signs a code for inv and stores it, retrying on shortened
// code collisions.
func (s *Service) createInvitation(ctx context.Context, inv *Invitation, claims map[string]interface{}) error {
	ttl := inv.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return apperr.InvalidRequest("invitation would expire immediately")
	}
	code, err := s.tokens.CreateToken(inv.Email, token.TypeInvitation, ttl, claims)
	if err != nil {
		return fmt.Errorf("sign invitation code: %w", err)
	}
	inv.Code = code

	for attempt := 0; attempt < s.cfg.ShortCodeAttempts; attempt++ {
		short, err := s.shortCode()
		if err != nil {
			return fmt.Errorf("generate shortened code: %w", err)
		}
		inv.ShortenedCode = short

		err = s.repo.Create(ctx, inv)
		if errors.Is(err, ErrDuplicateShortCode) {
			continue
		}
		return err
	}
	s.logger.Error().Int("attempts", s.cfg.ShortCodeAttempts).Msg("shortened code space exhausted")
	return apperr.InternalServerError("could not generate a unique invitation code")
}

const base62 = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

func (s *Service) shortCode() (string, error) {
	out := make([]byte, 0, s.cfg.ShortCodeLength)
	buf := make([]byte, s.cfg.ShortCodeLength)
	for len(out) < s.cfg.ShortCodeLength {
		if _, err := io.ReadFull(s.random, buf); err != nil {
			return "", err
		}
		for _, b := range buf {
			// 248 is the largest multiple of 62 below 256.
			if b < 248 && len(out) < s.cfg.ShortCodeLength {
				out = append(out, base62[b%62])
			}
		}
	}
	return string(out), nil
}

func (s *Service) link(inv *Invitation) string {
	if s.cfg.LinkBaseURL == "" || inv.ShortenedCode == "" {
		return ""
	}
	return strings.TrimRight(s.cfg.LinkBaseURL, "/") + "/" + inv.ShortenedCode
}

func (s *Service) message(inv *Invitation, roleName, senderName, language string) Message {
	primary := inv.PrimaryRole()
	if roleName == "" {
		roleName = primary.RoleID
	}
	return Message{
		Email:         inv.Email,
		Language:      language,
		ClientID:      inv.ClientID,
		Link:          s.link(inv),
		Code:          inv.Code,
		ShortenedCode: inv.ShortenedCode,
		RoleID:        primary.RoleID,
		RoleName:      roleName,
		SenderName:    senderName,
		ExpiresAt:     inv.ExpiresAt,
		Extra:         inv.ExtraInfo,
	}
}

// notify logs delivery failures. The invitation is already stored and can be
// resent.
func (s *Service) notify(ctx context.Context, kind messageKind, msg Message) {
	if s.notifier == nil {
		return
	}
	var err error
	switch kind {
	case kindUser:
		err = s.notifier.SendUserInvitation(ctx, msg)
	case kindProxy:
		err = s.notifier.SendProxyInvitation(ctx, msg)
	case kindAdmin:
		err = s.notifier.SendAdminInvitation(ctx, msg)
	default:
		err = s.notifier.SendInvitation(ctx, msg)
	}
	if err != nil {
		s.logger.Error().Err(err).Str("role", msg.RoleID).Msg("failed to deliver invitation")
	}
}

func kindOf(inv *Invitation) messageKind {
	switch primary := inv.PrimaryRole(); {
	case primary.RoleID == role.Proxy:
		return kindProxy
	case primary.RoleID == role.User:
		return kindUser
	case role.AdminPortalRoles().Has(primary.RoleID):
		return kindAdmin
	}
	return kindRole
}

// -- Admin send --

// AdminSendRequest invites emails to an admin portal role.
type AdminSendRequest struct {
	Emails         []string
	RoleID         string
	OrganizationID string
	ClientID       string
	Language       string
}

// SendAdminInvitations invites emails to HumaSupport, AccountManager,
// OrganizationOwner or OrganizationEditor.
func (s *Service) SendAdminInvitations(ctx context.Context, submitter *authz.AuthorizedUser, req AdminSendRequest) (*SendResult, error) {
	if err := s.policy.CanSubmitAdminInvitation(submitter, req.RoleID, req.OrganizationID); err != nil {
		return nil, s.denied("admin_send", err)
	}
	a, err := s.factory.CreateRole(ctx, req.RoleID, req.OrganizationID, role.ResourceOrganization)
	if err != nil {
		return nil, err
	}

	plan := sendPlan{
		roles:     []role.Assignment{a},
		kind:      kindAdmin,
		expiresAt: s.cfg.ExpiresIn.Shift(s.now()).UTC(),
		clientID:  req.ClientID,
		language:  req.Language,
	}
	if r, ok := role.Get(req.RoleID); ok {
		plan.roleName = r.Name
	}
	if plan.claims, err = s.policyClaims(ctx, nil, req.OrganizationID); err != nil {
		return nil, err
	}
	return s.deliverAll(ctx, submitter, uniqueEmails(req.Emails), plan)
}

// -- Resend --

// ResendRequest asks for an invitation email to be sent again.
type ResendRequest struct {
	Email          string
	InvitationID   string
	InvitationCode string
	ClientID       string
	Language       string
}

// ResendInvitation sends an invitation again and bumps its try counter.
func (s *Service) ResendInvitation(ctx context.Context, submitter *authz.AuthorizedUser, req ResendRequest) (*Invitation, error) {
	inv, err := s.retrieveByIDOrCode(ctx, req.InvitationID, req.InvitationCode)
	if err != nil {
		return nil, err
	}
	if inv.Email == "" || inv.Email != admin.NormalizeEmail(req.Email) {
		return nil, apperr.InvalidRequest("invalid email or invitation code")
	}
	if err := s.policy.CanManageInvitation(ctx, submitter, inv); err != nil {
		return nil, err
	}
	if inv.NumberOfTry >= s.cfg.MaxResendTimes {
		return nil, apperr.ErrCantResendInvitation.WithMessage(
			"invitation was already sent %d times", inv.NumberOfTry)
	}
	if err := s.resend(ctx, inv, req.ClientID, req.Language); err != nil {
		return nil, err
	}
	return inv, nil
}

func (s *Service) retrieveByIDOrCode(ctx context.Context, id, code string) (*Invitation, error) {
	if id == "" {
		return s.repo.Retrieve(ctx, RetrieveQuery{Code: code})
	}
	uid, err := uuid.Parse(id)
	if err != nil {
		return nil, apperr.InvalidRequest("invalid invitation id %q", id)
	}
	return s.repo.Retrieve(ctx, RetrieveQuery{ID: uid})
}

// ResendListRequest names invitations by code, by id, or both.
type ResendListRequest struct {
	Codes    []string
	IDs      []string
	ClientID string
	Language string
}

// ResendInvitationList resends every listed invitation. Every code and id must
// resolve to an invitation the submitter can manage. Invitations at the resend
// ceiling are skipped. It returns how many were resent.
func (s *Service) ResendInvitationList(ctx context.Context, submitter *authz.AuthorizedUser, req ResendListRequest) (int, error) {
	codes, ids := dedup(req.Codes), dedup(req.IDs)
	if len(codes) == 0 && len(ids) == 0 {
		return 0, apperr.InvalidRequest("invitationCodes or invitationIds is required")
	}
	invs, err := s.repo.RetrieveByCodes(ctx, codes)
	if err != nil {
		return 0, err
	}
	if len(invs) != len(codes) {
		return 0, ErrNotFound.WithMessage("%d of %d invitations exist", len(invs), len(codes))
	}
	seen := make(map[uuid.UUID]bool, len(invs)+len(ids))
	for _, inv := range invs {
		seen[inv.ID] = true
	}
	for _, id := range ids {
		inv, err := s.retrieveByIDOrCode(ctx, id, "")
		if err != nil {
			return 0, err
		}
		if !seen[inv.ID] {
			seen[inv.ID] = true
			invs = append(invs, inv)
		}
	}
	for _, inv := range invs {
		if err := s.policy.CanManageInvitation(ctx, submitter, inv); err != nil {
			return 0, err
		}
	}

	resent := 0
	for _, inv := range invs {
		if inv.NumberOfTry >= s.cfg.MaxResendTimes {
			continue
		}
		if err := s.resend(ctx, inv, firstNonEmpty(req.ClientID, inv.ClientID), req.Language); err != nil {
			s.logger.Error().Err(err).Str("invitation_id", inv.ID.String()).Msg("failed to resend invitation")
			continue
		}
		resent++
	}
	return resent, nil
}

func (s *Service) resend(ctx context.Context, inv *Invitation, clientID, language string) error {
	if clientID != "" {
		inv.ClientID = clientID
	}
	// Invitations created before senders were recorded are resent anonymously.
	senderName := ""
	if inv.SenderID != "" {
		if sender, err := s.dir.GetUser(ctx, inv.SenderID); err == nil {
			senderName = sender.DisplayName()
		}
	}

	inv.NumberOfTry++
	if err := s.repo.Update(ctx, inv); err != nil {
		return fmt.Errorf("update invitation %s: %w", inv.ID, err)
	}
	s.metrics.InvitationResent()
	s.logger.Info().
		Str("invitation_id", inv.ID.String()).
		Int("number_of_try", inv.NumberOfTry).
		Msg("invitation resent")

	roleName := ""
	if r, err := s.factory.Resolve(ctx, inv.PrimaryRole()); err == nil {
		roleName = r.Name
	}
	s.notify(ctx, kindOf(inv), s.message(inv, roleName, senderName, language))
	return nil
}

// -- Retrieve --

// RetrieveRequest lists invitations visible to the submitter.
type RetrieveRequest struct {
	Email    string
	Skip     int
	Limit    int
	RoleType RoleView
	Type     Type
	Sort     []SortField
}

// RetrieveResult is one page of invitations.
type RetrieveResult struct {
	Invitations []*Invitation
	Filtered    int
	Total       int
}

// RetrieveInvitations lists pending invitations of the roles the submitter can
// see in its current organization or deployment.
func (s *Service) RetrieveInvitations(ctx context.Context, submitter *authz.AuthorizedUser, req RetrieveRequest) (*RetrieveResult, error) {
	if err := s.policy.CanListInvitations(ctx, submitter); err != nil {
		return nil, s.denied("list", err)
	}
	q := ListQuery{
		Email:          req.Email,
		Skip:           req.Skip,
		Limit:          req.Limit,
		DeploymentID:   submitter.DeploymentID(),
		OrganizationID: "",
		Type:           req.Type,
		Sort:           req.Sort,
	}
	if q.DeploymentID == "" {
		q.OrganizationID = submitter.OrganizationID()
	}
	if q.DeploymentID == "" && q.OrganizationID == "" && !submitter.IsSuperAdmin() {
		return nil, apperr.InvalidRequest("an organization or deployment context is required")
	}
	if len(q.Sort) == 0 {
		q.Sort = []SortField{{Field: SortCreateDateTime, Descending: true}}
	}

	roles, err := s.visibleRoles(ctx, submitter, req.RoleType, q.DeploymentID, q.OrganizationID)
	if err != nil {
		return nil, err
	}
	q.RoleIDs = roles.Slice()

	items, filtered, total, err := s.repo.RetrieveList(ctx, q)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []*Invitation{}
	}
	return &RetrieveResult{Invitations: items, Filtered: filtered, Total: total}, nil
}

func (s *Service) visibleRoles(ctx context.Context, submitter *authz.AuthorizedUser, view RoleView, deploymentID, organizationID string) (role.Set, error) {
	switch view {
	case ViewUser:
		return role.NewSet(role.User), nil
	case ViewManager:
	default:
		return nil, apperr.InvalidRequest("unknown role type %q", view)
	}

	if submitter.IsSuperAdmin() && deploymentID == "" && organizationID == "" {
		return role.ManagerRoles(), nil
	}

	var orgCustom []string
	if organizationID == "" && deploymentID != "" {
		if id, err := s.dir.DeploymentOrganizationID(ctx, deploymentID); err == nil {
			organizationID = id
		}
	}
	if organizationID != "" {
		ids, err := s.dir.OrganizationCustomRoleIDs(ctx, organizationID)
		if err != nil && !errors.Is(err, apperr.ErrObjectDoesNotExist) {
			return nil, err
		}
		orgCustom = ids
	}

	if role.CommonRoles().Has(submitter.Active.RoleID) {
		if deploymentID != "" {
			return role.MultiDeploymentRoles(orgCustom...), nil
		}
		return role.CommonRoles(), nil
	}

	if deploymentID != "" {
		depCustom, err := s.dir.DeploymentCustomRoleIDs(ctx, deploymentID)
		if err != nil {
			return nil, err
		}
		return role.DeploymentManagerRoles().Union(role.NewSet(depCustom...)), nil
	}
	return role.OrganizationManagerRoles().Union(role.NewSet(orgCustom...)), nil
}

// -- Delete --

// DeleteInvitation removes a single invitation.
func (s *Service) DeleteInvitation(ctx context.Context, submitter *authz.AuthorizedUser, id string) error {
	uid, err := uuid.Parse(id)
	if err != nil {
		return apperr.InvalidRequest("invalid invitation id %q", id)
	}
	inv, err := s.repo.Retrieve(ctx, RetrieveQuery{ID: uid})
	if err != nil {
		return err
	}
	if err := s.policy.CanManageInvitation(ctx, submitter, inv); err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, uid); err != nil {
		return err
	}
	s.metrics.InvitationsDeleted(1)
	s.logger.Info().Str("invitation_id", id).Str("submitter_id", submitter.ID()).Msg("invitation deleted")
	return nil
}

// DeleteInvitationList removes every listed invitation of type t, or none.
func (s *Service) DeleteInvitationList(ctx context.Context, submitter *authz.AuthorizedUser, ids []string, t Type) (int, error) {
	if t == "" {
		t = TypePersonal
	}
	if !t.Valid() {
		return 0, apperr.InvalidRequest("unknown invitation type %q", t)
	}
	unique := dedup(ids)
	if len(unique) == 0 {
		return 0, apperr.InvalidRequest("invitationIds is required")
	}

	uids := make([]uuid.UUID, 0, len(unique))
	for _, id := range unique {
		uid, err := uuid.Parse(id)
		if err != nil {
			return 0, apperr.InvalidRequest("invalid invitation id %q", id)
		}
		inv, err := s.repo.Retrieve(ctx, RetrieveQuery{ID: uid})
		if err != nil {
			return 0, err
		}
		if err := s.policy.CanManageInvitation(ctx, submitter, inv); err != nil {
			return 0, err
		}
		uids = append(uids, uid)
	}

	deleted, err := s.repo.DeleteList(ctx, uids, t)
	if err != nil {
		return 0, err
	}
	s.metrics.InvitationsDeleted(deleted)
	s.logger.Info().Int("deleted", deleted).Str("type", string(t)).Str("submitter_id", submitter.ID()).Msg("invitations deleted")
	return deleted, nil
}

// -- Validity / links --

// CheckValidity resolves a code or shortened code to a pending invitation.
func (s *Service) CheckValidity(ctx context.Context, code string) (*Invitation, error) {
	if code == "" {
		return nil, ErrNotFound
	}
	inv, err := s.repo.Retrieve(ctx, RetrieveQuery{Code: code})
	if errors.Is(err, ErrNotFound) {
		inv, err = s.repo.Retrieve(ctx, RetrieveQuery{ShortenedCode: code})
	}
	return inv, err
}

// LinkRequest asks for a universal sign-up link.
type LinkRequest struct {
	RoleID       string
	DeploymentID string
	ClientID     string
	ExpiresIn    *isoduration.Duration
}

// LinkResult is a universal invitation code and where it leads.
type LinkResult struct {
	ID            string    `json:"id"`
	Code          string    `json:"code"`
	ShortenedCode string    `json:"shortenedCode"`
	Link          string    `json:"link,omitempty"`
	ExpiresAt     time.Time `json:"expiresAt"`
}

// GetInvitationLink returns a universal invitation for the deployment and
// role. Requests whose expiry falls on the same UTC day share one invitation.
func (s *Service) GetInvitationLink(ctx context.Context, submitter *authz.AuthorizedUser, req LinkRequest) (*LinkResult, error) {
	if req.RoleID == role.Proxy {
		return nil, apperr.InvalidRequest("proxy invitations can not be universal")
	}
	targets := Targets{DeploymentIDs: []string{req.DeploymentID}}
	if err := s.policy.CanSubmitInvitation(ctx, submitter, req.RoleID, targets); err != nil {
		return nil, s.denied("link", err)
	}

	expires := s.cfg.ExpiresIn
	if req.ExpiresIn != nil && !req.ExpiresIn.IsZero() {
		expires = *req.ExpiresIn
	}
	expiresAt := expires.Shift(s.now()).UTC()
	from := time.Date(expiresAt.Year(), expiresAt.Month(), expiresAt.Day(), 0, 0, 0, 0, time.UTC)
	till := from.AddDate(0, 0, 1)

	inv, err := s.repo.RetrieveUniversal(ctx, req.DeploymentID, req.RoleID, from, till)
	switch {
	case err == nil:
		return s.linkResult(inv), nil
	case !errors.Is(err, ErrNotFound):
		return nil, err
	}

	roles, err := s.buildAssignments(ctx, req.RoleID, targets)
	if err != nil {
		return nil, err
	}
	claims, err := s.policyClaims(ctx, targets.DeploymentIDs, "")
	if err != nil {
		return nil, err
	}
	inv = &Invitation{
		Roles:       roles,
		NumberOfTry: 1,
		Type:        TypeUniversal,
		ExpiresAt:   expiresAt,
		SenderID:    submitter.ID(),
		ClientID:    req.ClientID,
	}
	if err := s.createInvitation(ctx, inv, claims); err != nil {
		return nil, err
	}
	s.metrics.InvitationSent(req.RoleID, string(TypeUniversal))
	s.logger.Info().
		Str("invitation_id", inv.ID.String()).
		Str("deployment_id", req.DeploymentID).
		Str("role", req.RoleID).
		Msg("universal invitation created")
	return s.linkResult(inv), nil
}

func (s *Service) linkResult(inv *Invitation) *LinkResult {
	return &LinkResult{
		ID:            inv.ID.String(),
		Code:          inv.Code,
		ShortenedCode: inv.ShortenedCode,
		Link:          s.link(inv),
		ExpiresAt:     inv.ExpiresAt,
	}
}

// -- Sign-up --

// AcceptRequest signs a new user up with an invitation code.
type AcceptRequest struct {
	Code       string
	Email      string
	GivenName  string
	FamilyName string
	Language   string
}

// AcceptInvitation creates a user holding the invitation's roles. Personal
// invitations are consumed; universal ones stay valid until they expire.
func (s *Service) AcceptInvitation(ctx context.Context, req AcceptRequest) (*admin.User, error) {
	inv, err := s.CheckValidity(ctx, req.Code)
	if err != nil {
		return nil, err
	}
	if _, err := s.tokens.VerifyInvitationToken(inv.Code); err != nil {
		return nil, apperr.InvalidRequest("invalid invitation code").Wrap(err)
	}

	email := admin.NormalizeEmail(req.Email)
	if inv.Type != TypeUniversal {
		if email == "" {
			email = inv.Email
		}
		if email != inv.Email {
			return nil, apperr.InvalidRequest("invalid email or invitation code")
		}
	}
	if email == "" {
		return nil, apperr.InvalidRequest("email is required")
	}

	user := &admin.User{
		Email:      email,
		GivenName:  req.GivenName,
		FamilyName: req.FamilyName,
		Language:   req.Language,
		Roles:      append([]role.Assignment(nil), inv.Roles...),
	}
	err = s.tx.RunInTx(ctx, func(ctx context.Context) error {
		if err := s.dir.CreateUser(ctx, user); err != nil {
			return err
		}
		if inv.Type == TypeUniversal {
			return nil
		}
		return s.repo.Delete(ctx, inv.ID)
	})
	if err != nil {
		return nil, err
	}

	s.metrics.InvitationAccepted(string(inv.Type))
	s.logger.Info().
		Str("invitation_id", inv.ID.String()).
		Str("user_id", user.ID.String()).
		Str("type", string(inv.Type)).
		Msg("invitation accepted")

	if patientID := inv.PatientID(); patientID != "" {
		s.notifyProxyLinked(ctx, patientID, user)
	}
	return user, nil
}

func (s *Service) notifyProxyLinked(ctx context.Context, patientID string, proxy *admin.User) {
	if s.notifier == nil {
		return
	}
	patient, err := s.dir.GetUser(ctx, patientID)
	if err != nil {
		s.logger.Warn().Err(err).Str("patient_id", patientID).Msg("proxy linked to unknown patient")
		return
	}
	msg := Message{
		Email:      patient.Email,
		Language:   patient.Language,
		RoleID:     role.Proxy,
		SenderName: proxy.DisplayName(),
		Extra:      map[string]interface{}{"proxyEmail": proxy.Email},
	}
	if err := s.notifier.SendProxyLinked(ctx, msg); err != nil {
		s.logger.Error().Err(err).Str("patient_id", patientID).Msg("failed to send proxy linked notice")
	}
}

// -- Expiry --

// SweepExpired deletes every invitation that expired before now.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	n, err := s.repo.DeleteExpired(ctx, s.now())
	if err != nil {
		return 0, err
	}
	s.metrics.InvitationsExpired(n)
	if n > 0 {
		s.logger.Info().Int("deleted", n).Msg("expired invitations swept")
	}
	return n, nil
}

// uniqueEmails normalizes emails and drops blanks and repeats.
func uniqueEmails(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, raw := range in {
		email := admin.NormalizeEmail(raw)
		if email == "" || seen[email] {
			continue
		}
		seen[email] = true
		out = append(out, email)
	}
	return out
}

func dedup(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
