package sms

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindcanvas/mindcanvas/pkg/config"
	"github.com/mindcanvas/mindcanvas/pkg/store"
	"github.com/mindcanvas/mindcanvas/pkg/telemetry"
)

const testPhone = "+15550001234"

// fakeGateway records deliveries and can be told to fail.
type fakeGateway struct {
	mu    sync.Mutex
	sent  []string // codes delivered
	fail  bool
	phone string
}

func (g *fakeGateway) SendCode(_ context.Context, phone, code string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.fail {
		return errors.New("gateway unreachable")
	}
	g.phone = phone
	g.sent = append(g.sent, code)
	return nil
}

func (g *fakeGateway) lastCode() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.sent) == 0 {
		return ""
	}
	return g.sent[len(g.sent)-1]
}

func newTestService(t *testing.T) (*Service, *fakeGateway, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	gw := &fakeGateway{}
	svc := NewService(store.NewRedisStoreFromClient(client), gw, config.SMSConfig{
		CodeTTL:        5 * time.Minute,
		ResendCooldown: time.Minute,
		HourlyCap:      3,
		MaxAttempts:    3,
	}, telemetry.New())
	return svc, gw, mr
}

func TestSendCode_DeliversSixDigitCode(t *testing.T) {
	svc, gw, _ := newTestService(t)
	require.NoError(t, svc.SendCode(context.Background(), testPhone, PurposeLogin))

	assert.Equal(t, testPhone, gw.phone)
	assert.Regexp(t, regexp.MustCompile(`^\d{6}$`), gw.lastCode())
}

func TestSendCode_CooldownBlocksImmediateResend(t *testing.T) {
	svc, gw, mr := newTestService(t)
	require.NoError(t, svc.SendCode(context.Background(), testPhone, PurposeLogin))

	err := svc.SendCode(context.Background(), testPhone, PurposeLogin)
	assert.ErrorIs(t, err, ErrCooldown)
	assert.Len(t, gw.sent, 1)

	mr.FastForward(61 * time.Second)
	require.NoError(t, svc.SendCode(context.Background(), testPhone, PurposeLogin))
	assert.Len(t, gw.sent, 2)
}

func TestSendCode_HourlyCapHoldsAcrossCooldowns(t *testing.T) {
	svc, _, mr := newTestService(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, svc.SendCode(context.Background(), testPhone, PurposeLogin))
		mr.FastForward(61 * time.Second)
	}
	err := svc.SendCode(context.Background(), testPhone, PurposeLogin)
	assert.ErrorIs(t, err, ErrHourlyCap)

	// The cap is a fixed hourly window.
	mr.FastForward(time.Hour)
	assert.NoError(t, svc.SendCode(context.Background(), testPhone, PurposeLogin))
}

func TestSendCode_GatewayFailureRollsBack(t *testing.T) {
	svc, gw, _ := newTestService(t)
	gw.fail = true

	err := svc.SendCode(context.Background(), testPhone, PurposeLogin)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrCooldown)

	// No code outstanding, and the cooldown was released so the user can
	// retry right away.
	verr := svc.VerifyCode(context.Background(), testPhone, PurposeLogin, "123456")
	assert.ErrorIs(t, verr, ErrCodeExpired)

	gw.fail = false
	assert.NoError(t, svc.SendCode(context.Background(), testPhone, PurposeLogin))
}

func TestVerifyCode_MatchIsSingleUse(t *testing.T) {
	svc, gw, _ := newTestService(t)
	require.NoError(t, svc.SendCode(context.Background(), testPhone, PurposeLogin))
	code := gw.lastCode()

	require.NoError(t, svc.VerifyCode(context.Background(), testPhone, PurposeLogin, code))

	// The same code cannot be replayed.
	err := svc.VerifyCode(context.Background(), testPhone, PurposeLogin, code)
	assert.ErrorIs(t, err, ErrCodeExpired)
}

func TestVerifyCode_Mismatch(t *testing.T) {
	svc, gw, _ := newTestService(t)
	require.NoError(t, svc.SendCode(context.Background(), testPhone, PurposeLogin))

	err := svc.VerifyCode(context.Background(), testPhone, PurposeLogin, "000000")
	if gw.lastCode() == "000000" {
		t.Skip("generated code collided with the guess")
	}
	assert.ErrorIs(t, err, ErrCodeMismatch)
}

func TestVerifyCode_ExpiredCode(t *testing.T) {
	svc, gw, mr := newTestService(t)
	require.NoError(t, svc.SendCode(context.Background(), testPhone, PurposeLogin))
	code := gw.lastCode()

	mr.FastForward(6 * time.Minute)
	err := svc.VerifyCode(context.Background(), testPhone, PurposeLogin, code)
	assert.ErrorIs(t, err, ErrCodeExpired)
}

func TestVerifyCode_AttemptBudgetBurnsCode(t *testing.T) {
	svc, gw, _ := newTestService(t)
	require.NoError(t, svc.SendCode(context.Background(), testPhone, PurposeLogin))
	code := gw.lastCode()

	for i := 0; i < 3; i++ {
		err := svc.VerifyCode(context.Background(), testPhone, PurposeLogin, "wrong1")
		require.ErrorIs(t, err, ErrCodeMismatch)
	}

	// Budget exhausted: even the correct code is refused, and the code
	// itself is gone.
	err := svc.VerifyCode(context.Background(), testPhone, PurposeLogin, code)
	assert.ErrorIs(t, err, ErrTooManyAttempts)
	err = svc.VerifyCode(context.Background(), testPhone, PurposeLogin, code)
	assert.ErrorIs(t, err, ErrTooManyAttempts)
}

func TestVerifyCode_FreshCodeResetsAttempts(t *testing.T) {
	svc, gw, mr := newTestService(t)
	require.NoError(t, svc.SendCode(context.Background(), testPhone, PurposeLogin))

	for i := 0; i < 2; i++ {
		_ = svc.VerifyCode(context.Background(), testPhone, PurposeLogin, "wrong1")
	}

	mr.FastForward(61 * time.Second)
	require.NoError(t, svc.SendCode(context.Background(), testPhone, PurposeLogin))
	code := gw.lastCode()

	// Two more wrong guesses fit in the fresh budget before the right one.
	_ = svc.VerifyCode(context.Background(), testPhone, PurposeLogin, "wrong1")
	_ = svc.VerifyCode(context.Background(), testPhone, PurposeLogin, "wrong2")
	assert.NoError(t, svc.VerifyCode(context.Background(), testPhone, PurposeLogin, code))
}

func TestSendCode_CooldownReportsRemainingWait(t *testing.T) {
	svc, _, mr := newTestService(t)
	require.NoError(t, svc.SendCode(context.Background(), testPhone, PurposeLogin))

	mr.FastForward(20 * time.Second)
	err := svc.SendCode(context.Background(), testPhone, PurposeLogin)
	require.ErrorIs(t, err, ErrCooldown)

	var cd *CooldownError
	require.ErrorAs(t, err, &cd)
	assert.Greater(t, cd.Wait, time.Duration(0))
	assert.LessOrEqual(t, cd.Wait, 40*time.Second, "wait reflects the remaining cooldown, not the full one")
}

func TestCodes_IndependentPerPurpose(t *testing.T) {
	svc, gw, mr := newTestService(t)

	require.NoError(t, svc.SendCode(context.Background(), testPhone, PurposeLogin))
	loginCode := gw.lastCode()

	// The delivery cooldown is shared per phone, so wait it out before
	// requesting the second purpose's code.
	mr.FastForward(61 * time.Second)
	require.NoError(t, svc.SendCode(context.Background(), testPhone, "change_phone"))
	changeCode := gw.lastCode()

	if loginCode == changeCode {
		t.Skip("generated codes collided")
	}

	// Each purpose only accepts its own code.
	err := svc.VerifyCode(context.Background(), testPhone, "change_phone", loginCode)
	assert.ErrorIs(t, err, ErrCodeMismatch)
	err = svc.VerifyCode(context.Background(), testPhone, PurposeLogin, changeCode)
	assert.ErrorIs(t, err, ErrCodeMismatch)

	// A cross-purpose miss must not have consumed anything: both codes
	// still verify.
	require.NoError(t, svc.VerifyCode(context.Background(), testPhone, PurposeLogin, loginCode))
	require.NoError(t, svc.VerifyCode(context.Background(), testPhone, "change_phone", changeCode))
}

func TestVerifyCode_ConcurrentRaceHasOneWinner(t *testing.T) {
	svc, gw, _ := newTestService(t)
	require.NoError(t, svc.SendCode(context.Background(), testPhone, PurposeLogin))
	code := gw.lastCode()

	const racers = 3 // within the attempt budget
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if svc.VerifyCode(context.Background(), testPhone, PurposeLogin, code) == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load(), "single-use code has exactly one winner")
}
