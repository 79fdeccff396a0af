package kerberos

import (
	"context"
	"crypto/hmac"
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"onbehalf/internal/config"
	"onbehalf/pkg/logging"

	"github.com/jcmturner/gofork/encoding/asn1"
	krb5client "github.com/jcmturner/gokrb5/v8/client"
	krb5config "github.com/jcmturner/gokrb5/v8/config"
	"github.com/jcmturner/gokrb5/v8/crypto"
	"github.com/jcmturner/gokrb5/v8/iana/keyusage"
	"github.com/jcmturner/gokrb5/v8/iana/nametype"
	"github.com/jcmturner/gokrb5/v8/iana/patype"
	"github.com/jcmturner/gokrb5/v8/keytab"
	"github.com/jcmturner/gokrb5/v8/messages"
	"github.com/jcmturner/gokrb5/v8/types"
)

const (
	// kdcOptionCNameInAddlTkt is the KDC option requesting S4U2Proxy
	// semantics: the client name comes from the additional (evidence)
	// ticket, not from this request's cname (MS-SFU 3.1.5.2.1).
	kdcOptionCNameInAddlTkt = 14

	// kdcOptionCanonicalize lets the KDC rewrite principal names, which
	// Active Directory requires for S4U exchanges.
	kdcOptionCanonicalize = 15

	// keyUsageS4UChecksum is the key usage number for the PA-FOR-USER
	// checksum (MS-SFU 2.2.1, KERB-NON-KERB-CKSUM-SALT).
	keyUsageS4UChecksum = 17

	// cksumTypeKerbHMACMD5 identifies the KERB_CHECKSUM_HMAC_MD5
	// algorithm (MS-SFU 2.2.2).
	cksumTypeKerbHMACMD5 int32 = -138

	// s4uAuthPackage is the fixed auth-package string in PA-FOR-USER.
	s4uAuthPackage = "Kerberos"

	defaultDialTimeout = 10 * time.Second

	// maxKDCResponse bounds a TCP-framed KDC reply. Real TGS-REPs with
	// large PACs stay well under this.
	maxKDCResponse = 1 << 20
)

// exchanger performs the two S4U TGS exchanges against a KDC. The
// engine's policy layer (allow-list, caching, retries) talks to this
// interface so it can be exercised without a domain controller.
type exchanger interface {
	// SelfTicket obtains a ticket to the broker's own service naming
	// userPrincipal as client (S4U2Self). The result doubles as the
	// evidence ticket for a later proxy exchange.
	SelfTicket(ctx context.Context, userPrincipal string) (*Ticket, error)

	// ProxyTicket presents the evidence ticket and obtains a ticket to
	// targetSPN on the impersonated user's behalf (S4U2Proxy).
	ProxyTicket(ctx context.Context, evidence *Ticket, targetSPN string) (*Ticket, error)

	// Close releases the exchanger's KDC session.
	Close()
}

// krbExchanger is the production exchanger. It holds one authenticated
// gokrb5 client for the broker's service account and builds the S4U
// TGS requests the library does not provide natively.
type krbExchanger struct {
	realm          string
	serviceAccount string
	krbConf        *krb5config.Config
	client         *krb5client.Client
	kdcOverride    string // host:port, empty means resolve via krb5 config
	dialTimeout    time.Duration
}

// newKRBExchanger logs the service account in from its keytab. An
// invalid keytab or unreachable KDC fails construction: the module must
// not come up half-working.
func newKRBExchanger(cfg config.KerberosConfig) (*krbExchanger, error) {
	realm := strings.ToUpper(cfg.Realm)

	var krbConf *krb5config.Config
	var err error
	if cfg.Krb5ConfPath != "" {
		krbConf, err = krb5config.Load(cfg.Krb5ConfPath)
	} else {
		krbConf, err = krb5config.NewFromString(syntheticKrb5Conf(realm, cfg.KDCHost, cfg.KDCPort))
	}
	if err != nil {
		return nil, fmt.Errorf("loading krb5 configuration: %w", err)
	}

	kt, err := keytab.Load(cfg.KeytabPath)
	if err != nil {
		return nil, fmt.Errorf("loading keytab %s: %w", cfg.KeytabPath, err)
	}

	account := cfg.ServiceAccount
	if at := strings.Index(account, "@"); at >= 0 {
		account = account[:at]
	}

	cl := krb5client.NewWithKeytab(account, realm, kt, krbConf, krb5client.DisablePAFXFAST(true))
	if err := cl.Login(); err != nil {
		return nil, fmt.Errorf("service account login for %s@%s: %w", account, realm, err)
	}
	logging.Info("Kerberos", "Service account %s@%s authenticated", account, realm)

	var override string
	if cfg.KDCHost != "" {
		override = net.JoinHostPort(cfg.KDCHost, fmt.Sprintf("%d", cfg.KDCPort))
	}

	return &krbExchanger{
		realm:          realm,
		serviceAccount: account,
		krbConf:        krbConf,
		client:         cl,
		kdcOverride:    override,
		dialTimeout:    defaultDialTimeout,
	}, nil
}

func syntheticKrb5Conf(realm, kdcHost string, kdcPort int) string {
	return fmt.Sprintf(`[libdefaults]
 default_realm = %s
 dns_lookup_kdc = false
 udp_preference_limit = 1

[realms]
 %s = {
  kdc = %s:%d
 }
`, realm, realm, kdcHost, kdcPort)
}

func (x *krbExchanger) Close() {
	x.client.Destroy()
}

// tgt returns the service account's ticket-granting ticket and its
// session key. Renewal is handled by the underlying client session.
func (x *krbExchanger) tgt() (messages.Ticket, types.EncryptionKey, error) {
	return x.client.GetServiceTicket("krbtgt/" + x.realm)
}

func (x *krbExchanger) SelfTicket(ctx context.Context, userPrincipal string) (*Ticket, error) {
	tgt, sessionKey, err := x.tgt()
	if err != nil {
		return nil, fmt.Errorf("obtaining TGT: %w", err)
	}

	self := types.PrincipalName{
		NameType:   nametype.KRB_NT_PRINCIPAL,
		NameString: []string{x.serviceAccount},
	}
	// S4U2Self is a ticket request to ourselves; the impersonated user
	// rides along in PA-FOR-USER, not in cname.
	req, err := messages.NewTGSReq(self, x.realm, x.krbConf, tgt, sessionKey, self, false)
	if err != nil {
		return nil, fmt.Errorf("building S4U2Self request: %w", err)
	}

	user, userRealm := splitPrincipal(userPrincipal, x.realm)
	paForUser, err := newPAForUser(user, userRealm, sessionKey)
	if err != nil {
		return nil, err
	}
	req.PAData = append(req.PAData, paForUser)

	rep, err := x.exchange(ctx, req, sessionKey)
	if err != nil {
		return nil, err
	}

	return &Ticket{
		ClientPrincipal:  user + "@" + userRealm,
		ServicePrincipal: x.serviceAccount + "@" + x.realm,
		Flags:            flagNames(rep.DecryptedEncPart.Flags),
		IssuedAt:         rep.DecryptedEncPart.AuthTime,
		ExpiresAt:        rep.DecryptedEncPart.EndTime,
		krbTicket:        rep.Ticket,
		sessionKey:       rep.DecryptedEncPart.Key,
	}, nil
}

func (x *krbExchanger) ProxyTicket(ctx context.Context, evidence *Ticket, targetSPN string) (*Ticket, error) {
	tgt, sessionKey, err := x.tgt()
	if err != nil {
		return nil, fmt.Errorf("obtaining TGT: %w", err)
	}

	self := types.PrincipalName{
		NameType:   nametype.KRB_NT_PRINCIPAL,
		NameString: []string{x.serviceAccount},
	}
	target := types.PrincipalName{
		NameType:   nametype.KRB_NT_SRV_INST,
		NameString: strings.Split(targetSPN, "/"),
	}
	req, err := messages.NewTGSReq(self, x.realm, x.krbConf, tgt, sessionKey, target, false)
	if err != nil {
		return nil, fmt.Errorf("building S4U2Proxy request: %w", err)
	}

	types.SetFlag(&req.ReqBody.KDCOptions, kdcOptionCNameInAddlTkt)
	types.SetFlag(&req.ReqBody.KDCOptions, kdcOptionCanonicalize)
	req.ReqBody.AdditionalTickets = []messages.Ticket{evidence.krbTicket}

	// The request body changed after NewTGSReq signed it; the PA-TGS-REQ
	// checksum must cover the final body.
	if err := resignTGSReq(&req, tgt, sessionKey); err != nil {
		return nil, err
	}

	rep, err := x.exchange(ctx, req, sessionKey)
	if err != nil {
		return nil, err
	}

	return &Ticket{
		ClientPrincipal:  evidence.ClientPrincipal,
		ServicePrincipal: targetSPN,
		TargetSPN:        targetSPN,
		DelegatedFrom:    x.serviceAccount + "@" + x.realm,
		Flags:            flagNames(rep.DecryptedEncPart.Flags),
		IssuedAt:         rep.DecryptedEncPart.AuthTime,
		ExpiresAt:        rep.DecryptedEncPart.EndTime,
		krbTicket:        rep.Ticket,
		sessionKey:       rep.DecryptedEncPart.Key,
	}, nil
}

// resignTGSReq rebuilds the PA-TGS-REQ AP-REQ so its authenticator
// checksum covers the current request body.
func resignTGSReq(req *messages.TGSReq, tgt messages.Ticket, sessionKey types.EncryptionKey) error {
	body, err := req.ReqBody.Marshal()
	if err != nil {
		return fmt.Errorf("marshaling request body: %w", err)
	}
	et, err := crypto.GetEtype(sessionKey.KeyType)
	if err != nil {
		return fmt.Errorf("resolving session key etype: %w", err)
	}
	cksum, err := et.GetChecksumHash(sessionKey.KeyValue, body, keyusage.TGS_REQ_PA_TGS_REQ_AP_REQ_AUTHENTICATOR_CHKSUM)
	if err != nil {
		return fmt.Errorf("computing body checksum: %w", err)
	}

	auth, err := types.NewAuthenticator(tgt.Realm, req.ReqBody.CName)
	if err != nil {
		return fmt.Errorf("building authenticator: %w", err)
	}
	auth.Cksum = types.Checksum{
		CksumType: et.GetHashID(),
		Checksum:  cksum,
	}
	apReq, err := messages.NewAPReq(tgt, sessionKey, auth)
	if err != nil {
		return fmt.Errorf("building AP-REQ: %w", err)
	}
	apb, err := apReq.Marshal()
	if err != nil {
		return fmt.Errorf("marshaling AP-REQ: %w", err)
	}

	for i := range req.PAData {
		if req.PAData[i].PADataType == patype.PA_TGS_REQ {
			req.PAData[i].PADataValue = apb
			return nil
		}
	}
	req.PAData = append(req.PAData, types.PAData{PADataType: patype.PA_TGS_REQ, PADataValue: apb})
	return nil
}

// paForUserData is the PA-FOR-USER padata body (MS-SFU 2.2.1).
type paForUserData struct {
	UserName    types.PrincipalName `asn1:"explicit,tag:0"`
	UserRealm   string              `asn1:"generalstring,explicit,tag:1"`
	Cksum       types.Checksum      `asn1:"explicit,tag:2"`
	AuthPackage string              `asn1:"generalstring,explicit,tag:3"`
}

// newPAForUser builds the PA-FOR-USER padata naming the user to
// impersonate, integrity-protected with the TGT session key.
func newPAForUser(user, userRealm string, sessionKey types.EncryptionKey) (types.PAData, error) {
	userName := types.PrincipalName{
		NameType:   nametype.KRB_NT_PRINCIPAL,
		NameString: []string{user},
	}

	// Checksum input: little-endian name type, then the name components,
	// realm and auth-package concatenated (MS-SFU 2.2.1).
	var data []byte
	nt := make([]byte, 4)
	binary.LittleEndian.PutUint32(nt, uint32(userName.NameType))
	data = append(data, nt...)
	for _, part := range userName.NameString {
		data = append(data, []byte(part)...)
	}
	data = append(data, []byte(userRealm)...)
	data = append(data, []byte(s4uAuthPackage)...)

	body := paForUserData{
		UserName:  userName,
		UserRealm: userRealm,
		Cksum: types.Checksum{
			CksumType: cksumTypeKerbHMACMD5,
			Checksum:  kerbHMACMD5Checksum(sessionKey.KeyValue, data, keyUsageS4UChecksum),
		},
		AuthPackage: s4uAuthPackage,
	}
	encoded, err := asn1.Marshal(body)
	if err != nil {
		return types.PAData{}, fmt.Errorf("marshaling PA-FOR-USER: %w", err)
	}
	return types.PAData{PADataType: patype.PA_FOR_USER, PADataValue: encoded}, nil
}

// kerbHMACMD5Checksum implements KERB_CHECKSUM_HMAC_MD5 (RFC 4757 §4):
// Ksign = HMAC-MD5(key, "signaturekey\0"), then HMAC-MD5(Ksign,
// MD5(usage || data)) with the usage number little-endian.
func kerbHMACMD5Checksum(key, data []byte, usage int) []byte {
	signMAC := hmac.New(md5.New, key)
	signMAC.Write([]byte("signaturekey\x00"))
	signKey := signMAC.Sum(nil)

	usageBytes := make([]byte, 4)
	binary.LittleEndian.PutUint32(usageBytes, uint32(usage))
	inner := md5.Sum(append(usageBytes, data...))

	mac := hmac.New(md5.New, signKey)
	mac.Write(inner[:])
	return mac.Sum(nil)
}

// exchange marshals the request, sends it to a KDC over TCP and
// decrypts the reply. A KRB-ERROR reply is surfaced as the error.
func (x *krbExchanger) exchange(ctx context.Context, req messages.TGSReq, sessionKey types.EncryptionKey) (messages.TGSRep, error) {
	var rep messages.TGSRep

	b, err := req.Marshal()
	if err != nil {
		return rep, fmt.Errorf("marshaling TGS-REQ: %w", err)
	}

	resp, err := x.sendToKDC(ctx, b)
	if err != nil {
		return rep, err
	}

	if err := rep.Unmarshal(resp); err != nil {
		var krbErr messages.KRBError
		if uerr := krbErr.Unmarshal(resp); uerr == nil {
			return rep, krbErr
		}
		return rep, fmt.Errorf("unmarshaling KDC response: %w", err)
	}
	if err := rep.DecryptEncPart(sessionKey); err != nil {
		return rep, fmt.Errorf("decrypting TGS-REP: %w", err)
	}
	return rep, nil
}

// sendToKDC tries each KDC for the realm in order. TCP only: S4U
// replies carry PACs that do not fit UDP.
func (x *krbExchanger) sendToKDC(ctx context.Context, msg []byte) ([]byte, error) {
	addrs, err := x.kdcAddrs()
	if err != nil {
		return nil, err
	}

	var lastErr error
	for _, addr := range addrs {
		resp, err := sendTCP(ctx, addr, msg, x.dialTimeout)
		if err != nil {
			logging.Debug("Kerberos", "KDC %s failed: %v", addr, err)
			lastErr = err
			continue
		}
		return resp, nil
	}
	return nil, fmt.Errorf("no KDC for realm %s reachable: %w", x.realm, lastErr)
}

func (x *krbExchanger) kdcAddrs() ([]string, error) {
	if x.kdcOverride != "" {
		return []string{x.kdcOverride}, nil
	}
	count, kdcs, err := x.krbConf.GetKDCs(x.realm, true)
	if err != nil || count == 0 {
		return nil, fmt.Errorf("resolving KDCs for realm %s: %w", x.realm, err)
	}
	addrs := make([]string, 0, count)
	for i := 1; i <= count; i++ {
		addrs = append(addrs, kdcs[i])
	}
	return addrs, nil
}

// sendTCP performs one framed KDC round trip (RFC 4120 §7.2.2: 4-octet
// big-endian length prefix on each message).
func sendTCP(ctx context.Context, addr string, msg []byte, timeout time.Duration) ([]byte, error) {
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dialing KDC %s: %w", addr, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, err
	}

	framed := make([]byte, 4+len(msg))
	binary.BigEndian.PutUint32(framed, uint32(len(msg)))
	copy(framed[4:], msg)
	if _, err := conn.Write(framed); err != nil {
		return nil, fmt.Errorf("writing to KDC %s: %w", addr, err)
	}

	hdr := make([]byte, 4)
	if _, err := io.ReadFull(conn, hdr); err != nil {
		return nil, fmt.Errorf("reading KDC response header: %w", err)
	}
	size := binary.BigEndian.Uint32(hdr)
	if size == 0 || size > maxKDCResponse {
		return nil, fmt.Errorf("KDC response size %d out of range", size)
	}
	resp := make([]byte, size)
	if _, err := io.ReadFull(conn, resp); err != nil {
		return nil, fmt.Errorf("reading KDC response: %w", err)
	}
	return resp, nil
}

// splitPrincipal separates "user@REALM" into name and realm, falling
// back to the engine realm for bare names.
func splitPrincipal(principal, defaultRealm string) (string, string) {
	if at := strings.LastIndex(principal, "@"); at >= 0 {
		return principal[:at], strings.ToUpper(principal[at+1:])
	}
	return principal, defaultRealm
}
