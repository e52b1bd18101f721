package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"sangha/internal/audit"
	"sangha/internal/events"
	"sangha/internal/ordergateway"
	"sangha/internal/registration/eligibility"
	"sangha/internal/registration/models"
	"sangha/internal/registration/service/mocks"
	"sangha/internal/registration/store"
	id "sangha/pkg/domain"
	dErrors "sangha/pkg/domain-errors"
	"sangha/pkg/platform/clock"
	"sangha/pkg/platform/sentinel"
	"sangha/pkg/requestcontext"
)

var (
	now        = time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)
	eventStart = time.Date(2026, 12, 1, 6, 0, 0, 0, time.UTC)
)

type ServiceSuite struct {
	suite.Suite
	ctrl    *gomock.Controller
	gateway *mocks.MockOrderGateway
	clock   *clock.Manual
	store   *store.InMemory
	sink    *audit.MemorySink
	svc     *Service
	orders  atomic.Int32
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.gateway = mocks.NewMockOrderGateway(s.ctrl)
	s.clock = clock.NewManual(now)
	s.store = store.NewInMemory(store.WithClock(s.clock))
	s.sink = audit.NewMemorySink()
	s.orders.Store(0)
	catalog := events.NewInMemory(events.Event{ID: "kathina", Name: "Kathina", StartDate: eventStart, ExternalRef: "kathina26", ItemID: 3})
	s.svc = New(s.store, catalog, s.gateway,
		WithClock(s.clock),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithAuditPublisher(audit.NewPublisher(s.sink)),
		WithGatewayTimeout(50*time.Millisecond),
	)
}

func clergyPayload(userID id.UserID) models.Payload {
	return models.Payload{
		UserID:       userID,
		EventID:      "kathina",
		IdentityType: models.IdentityClergy,
		PersonalInfo: models.PersonalInfo{Name: "Ven. Anan", TempleName: "Wat Pa"},
	}
}

func (s *ServiceSuite) nextOrder() *ordergateway.Order {
	n := s.orders.Add(1)
	return &ordergateway.Order{Code: fmt.Sprintf("ORD%03d", n), Status: "p", Datetime: now, Total: "0.00"}
}

func (s *ServiceSuite) expectOrders(times int) {
	s.gateway.EXPECT().CreateOrder(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, req ordergateway.OrderRequest) (*ordergateway.Order, error) {
			s.Equal("kathina26", req.EventRef)
			s.Equal(3, req.ItemID)
			s.NotEmpty(req.IdempotencyKey)
			return s.nextOrder(), nil
		}).Times(times)
}

func (s *ServiceSuite) create(userID id.UserID) *models.Registration {
	res, err := s.svc.Create(context.Background(), clergyPayload(userID))
	s.Require().NoError(err)
	return res.Registration
}

func strPtr(v string) *string { return &v }

func phonePatch(v string) models.Patch {
	return models.Patch{PersonalInfo: &models.PersonalInfoPatch{Phone: strPtr(v)}}
}

func (s *ServiceSuite) TestCreate() {
	s.Run("confirms and records history", func() {
		s.expectOrders(1)
		ctx := requestcontext.WithRequestID(context.Background(), "req-1")
		res, err := s.svc.Create(ctx, clergyPayload("u1"))
		s.Require().NoError(err)

		s.Equal(models.StatusConfirmed, res.Registration.Status)
		s.Equal("ORD001", res.Registration.ExternalOrderID)
		s.Equal(models.ActionCreated, res.History.Action)
		s.Equal("req-1", res.History.Metadata["requestId"])

		emitted := s.sink.All()
		s.Require().Len(emitted, 1)
		s.Equal(audit.EventRegistrationCreated, emitted[0].Type)
		s.Equal("req-1", emitted[0].RequestID)
	})

	s.Run("second create for same pair is rejected before the gateway", func() {
		_, err := s.svc.Create(context.Background(), clergyPayload("u1"))
		s.True(dErrors.HasCode(err, dErrors.CodeAlreadyRegistered))
	})

	s.Run("identity-specific fields are required", func() {
		p := clergyPayload("u2")
		p.IdentityType = models.IdentityVolunteer
		_, err := s.svc.Create(context.Background(), p)
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})

	s.Run("unknown event", func() {
		p := clergyPayload("u2")
		p.EventID = "missing"
		_, err := s.svc.Create(context.Background(), p)
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})
}

func (s *ServiceSuite) TestCreate_GatewayFailureLeavesNothing() {
	s.gateway.EXPECT().CreateOrder(gomock.Any(), gomock.Any()).
		Return(nil, ordergateway.NewError(ordergateway.CodeNetwork, "connection refused", nil))

	_, err := s.svc.Create(context.Background(), clergyPayload("u1"))
	s.Require().Error(err)
	de, ok := dErrors.As(err)
	s.Require().True(ok)
	s.Equal(dErrors.CodeGateway, de.Code)
	s.Require().NotNil(de.Details)
	s.Equal("NETWORK_ERROR", de.Details.GatewayCode)
	s.True(de.Details.Retryable)
	s.Equal(30, de.Details.RetryAfter)

	regs, err := s.store.GetByUser(context.Background(), "u1")
	s.Require().NoError(err)
	s.Empty(regs)
}

func (s *ServiceSuite) TestCreate_GatewayTimeoutIsNetworkError() {
	s.gateway.EXPECT().CreateOrder(gomock.Any(), gomock.Any()).
		DoAndReturn(func(ctx context.Context, _ ordergateway.OrderRequest) (*ordergateway.Order, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		})

	_, err := s.svc.Create(context.Background(), clergyPayload("u1"))
	de, ok := dErrors.As(err)
	s.Require().True(ok)
	s.Equal("NETWORK_ERROR", de.Details.GatewayCode)
	s.True(de.Details.Retryable)
}

func (s *ServiceSuite) TestCreate_PersistFailureIsStorageInconsistency() {
	mockStore := mocks.NewMockStore(s.ctrl)
	catalog := events.NewInMemory(events.Event{ID: "kathina", StartDate: eventStart, ExternalRef: "kathina26", ItemID: 3})
	svc := New(mockStore, catalog, s.gateway, WithClock(s.clock),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

	mockStore.EXPECT().FindActive(gomock.Any(), id.UserID("u1"), id.EventID("kathina")).Return(nil, sentinel.ErrNotFound)
	s.expectOrders(1)
	mockStore.EXPECT().Create(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil, errors.New("connection reset"))

	_, err := svc.Create(context.Background(), clergyPayload("u1"))
	de, ok := dErrors.As(err)
	s.Require().True(ok)
	s.Equal(dErrors.CodeStorageInconsistency, de.Code)
	s.Require().NotNil(de.Details)
	s.Equal("ORD001", de.Details.ExternalOrderID)
	s.False(de.Details.Retryable)
}

func (s *ServiceSuite) TestCreate_ConcurrentDuplicatesYieldOneRegistration() {
	s.expectOrders(1)

	var wg sync.WaitGroup
	var ok, dup atomic.Int32
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.svc.Create(context.Background(), clergyPayload("u1"))
			switch {
			case err == nil:
				ok.Add(1)
			case dErrors.HasCode(err, dErrors.CodeAlreadyRegistered):
				dup.Add(1)
			}
		}()
	}
	wg.Wait()
	s.Equal(int32(1), ok.Load())
	s.Equal(int32(9), dup.Load())
}

func (s *ServiceSuite) TestModify_CapAtFive() {
	s.expectOrders(1)
	reg := s.create("u1")

	for i := 1; i <= 5; i++ {
		res, err := s.svc.Modify(context.Background(), reg.ID, "u1", phonePatch(fmt.Sprintf("08000000%02d", i)), "update phone")
		s.Require().NoError(err, "modification %d", i)
		s.Equal(i, res.ModificationInfo.TotalModifications)
		s.Equal(5-i, res.ModificationInfo.RemainingModifications)
	}

	_, err := s.svc.Modify(context.Background(), reg.ID, "u1", phonePatch("0899999999"), "")
	s.True(dErrors.HasCode(err, dErrors.CodeIneligible))
	de, _ := dErrors.As(err)
	s.Equal("maximum modification limit reached (5)", de.Message)

	history, err := s.store.ListHistory(context.Background(), reg.ID)
	s.Require().NoError(err)
	s.Equal(5, models.CountModifications(history))
}

func (s *ServiceSuite) TestModify_Rejections() {
	s.expectOrders(1)
	reg := s.create("u1")

	s.Run("unknown registration", func() {
		_, err := s.svc.Modify(context.Background(), id.NewRegistrationID(), "u1", phonePatch("0811111111"), "")
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	})
	s.Run("not the owner", func() {
		_, err := s.svc.Modify(context.Background(), reg.ID, "intruder", phonePatch("0811111111"), "")
		s.True(dErrors.HasCode(err, dErrors.CodeForbidden))
	})
	s.Run("status is immutable", func() {
		cancelled := models.StatusCancelled
		_, err := s.svc.Modify(context.Background(), reg.ID, "u1", models.Patch{Status: &cancelled}, "")
		s.True(dErrors.HasCode(err, dErrors.CodeImmutableField))
	})
	s.Run("empty patch", func() {
		_, err := s.svc.Modify(context.Background(), reg.ID, "u1", models.Patch{}, "")
		s.True(dErrors.HasCode(err, dErrors.CodeNoChanges))
	})
	s.Run("identical values change nothing", func() {
		_, err := s.svc.Modify(context.Background(), reg.ID, "u1",
			models.Patch{PersonalInfo: &models.PersonalInfoPatch{TempleName: strPtr("Wat Pa")}}, "")
		s.True(dErrors.HasCode(err, dErrors.CodeNoChanges))

		history, err := s.store.ListHistory(context.Background(), reg.ID)
		s.Require().NoError(err)
		s.Len(history, 1)
	})
	s.Run("clergy cannot drop temple name", func() {
		_, err := s.svc.Modify(context.Background(), reg.ID, "u1",
			models.Patch{PersonalInfo: &models.PersonalInfoPatch{TempleName: strPtr("  ")}}, "")
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})
}

func (s *ServiceSuite) TestBlackoutWindow() {
	s.expectOrders(1)
	reg := s.create("u1")
	s.clock.Set(eventStart.Add(-48 * time.Hour))

	_, err := s.svc.Modify(context.Background(), reg.ID, "u1", phonePatch("0811111111"), "")
	s.True(dErrors.HasCode(err, dErrors.CodeIneligible))
	de, _ := dErrors.As(err)
	s.Equal(eligibility.ReasonBlackout, de.Message)

	s.gateway.EXPECT().CancelOrder(gomock.Any(), "kathina26", "ORD001").
		Return(&ordergateway.Order{Code: "ORD001", Status: "c"}, nil)
	res, err := s.svc.Cancel(context.Background(), reg.ID, "u1", "illness")
	s.Require().NoError(err)
	s.Equal(models.StatusCancelled, res.Registration.Status)
	s.True(res.OrderCancelled)
	s.Equal("illness", res.Reason)
}

func (s *ServiceSuite) TestUnknownEvent() {
	p := clergyPayload("u1")
	p.EventID = "retired-retreat"
	reg, err := models.NewRegistration(id.NewRegistrationID(), p, "ORD777", now)
	s.Require().NoError(err)
	_, err = s.store.Create(context.Background(), reg, models.HistoryMeta{})
	s.Require().NoError(err)

	_, err = s.svc.Modify(context.Background(), reg.ID, "u1", phonePatch("0811111111"), "")
	s.True(dErrors.HasCode(err, dErrors.CodeIneligible))
	de, _ := dErrors.As(err)
	s.Equal(eligibility.ReasonEventUnknown, de.Message)

	view, err := s.svc.History(context.Background(), reg.ID, "u1")
	s.Require().NoError(err)
	s.False(view.CanModify)
	s.Equal(eligibility.ReasonEventUnknown, view.Reason)

	res, err := s.svc.Cancel(context.Background(), reg.ID, "u1", "event retired")
	s.Require().NoError(err)
	s.Equal(models.StatusCancelled, res.Registration.Status)
	s.False(res.OrderCancelled)
}

func (s *ServiceSuite) TestCancel() {
	s.expectOrders(1)
	reg := s.create("u1")

	s.gateway.EXPECT().CancelOrder(gomock.Any(), "kathina26", "ORD001").
		Return(nil, ordergateway.NewError(ordergateway.CodeServer, "boom", nil))

	s.Run("gateway failure does not block local cancellation", func() {
		res, err := s.svc.Cancel(context.Background(), reg.ID, "u1", "schedule conflict")
		s.Require().NoError(err)
		s.Equal(models.StatusCancelled, res.Registration.Status)
		s.False(res.OrderCancelled)
		s.Equal(models.ActionCancelled, res.History.Action)
	})

	s.Run("second cancel is rejected", func() {
		_, err := s.svc.Cancel(context.Background(), reg.ID, "u1", "")
		s.True(dErrors.HasCode(err, dErrors.CodeAlreadyCancelled))
	})

	s.Run("modify after cancel is rejected", func() {
		_, err := s.svc.Modify(context.Background(), reg.ID, "u1", phonePatch("0811111111"), "")
		s.True(dErrors.HasCode(err, dErrors.CodeAlreadyCancelled))
	})

	s.Run("pair is free again", func() {
		s.expectOrders(1)
		res, err := s.svc.Create(context.Background(), clergyPayload("u1"))
		s.Require().NoError(err)
		s.NotEqual(reg.ID, res.Registration.ID)
	})
}

func (s *ServiceSuite) TestHistory() {
	s.expectOrders(1)
	reg := s.create("u1")
	s.clock.Advance(time.Hour)
	_, err := s.svc.Modify(context.Background(), reg.ID, "u1", phonePatch("0811111111"), "new phone")
	s.Require().NoError(err)
	s.clock.Advance(time.Hour)
	_, err = s.svc.Modify(context.Background(), reg.ID, "u1",
		models.Patch{Transport: &models.Transport{Required: true, LocationID: "bkk"}}, "")
	s.Require().NoError(err)

	view, err := s.svc.History(context.Background(), reg.ID, "u1")
	s.Require().NoError(err)
	s.Require().Len(view.History, 3)
	s.Equal(models.ActionUpdated, view.History[0].Action)
	s.Equal(models.ActionCreated, view.History[2].Action)
	s.Equal(2, view.ModificationCount)
	s.Equal(3, view.ModificationInfo.RemainingModifications)
	s.True(view.CanModify)

	s.Require().Len(view.Timeline, 3)
	s.Equal([]string{"transport"}, view.Timeline[0].Fields)
	s.Equal("new phone", view.Timeline[1].Reason)
	s.True(view.Timeline[0].At.After(view.Timeline[1].At))

	_, err = s.svc.History(context.Background(), reg.ID, "someone-else")
	s.True(dErrors.HasCode(err, dErrors.CodeForbidden))
}

func (s *ServiceSuite) TestOrderStatus() {
	s.expectOrders(1)
	reg := s.create("u1")
	s.gateway.EXPECT().GetOrderStatus(gomock.Any(), "kathina26", "ORD001").
		Return(&ordergateway.Order{Code: "ORD001", Status: "p"}, nil)

	order, err := s.svc.OrderStatus(context.Background(), reg.ID, "u1")
	s.Require().NoError(err)
	s.Equal("p", order.Status)
}

func (s *ServiceSuite) TestListMine() {
	s.expectOrders(1)
	reg := s.create("u1")

	regs, err := s.svc.ListMine(context.Background(), "u1")
	s.Require().NoError(err)
	s.Require().Len(regs, 1)
	s.Equal(reg.ID, regs[0].ID)

	_, info, err := s.svc.Get(context.Background(), reg.ID, "u1")
	s.Require().NoError(err)
	s.Equal(5, info.RemainingModifications)
}
