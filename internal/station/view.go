package station

import (
	"github.com/sparkplug/ocpp-session-engine/internal/domain/ocpp"
)

// ConnectorView 连接器状态快照
type ConnectorView struct {
	ID                int                  `json:"id"`
	AvailabilityState ocpp.ConnectorStatus `json:"availabilityState"`
}

// EVSEView EVSE状态快照
type EVSEView struct {
	ID                int                  `json:"id"`
	Power             float64              `json:"power"`
	AvailabilityState ocpp.ConnectorStatus `json:"availabilityState"`
	IsAuthorized      bool                 `json:"isAuthorized"`
	TransactionID     string               `json:"transactionId,omitempty"`
	Connectors        []ConnectorView      `json:"connectors"`
}

// View 站点状态快照，供控制接口对外暴露
type View struct {
	Identity  string     `json:"identity"`
	Model     string     `json:"model"`
	Connected bool       `json:"connected"`
	EVSEs     []EVSEView `json:"evses"`
}

// View 生成当前状态的一致快照
func (s *Station) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()

	view := View{
		Identity:  s.config.Identity,
		Model:     s.config.Model,
		Connected: s.isConnectedLocked(),
		EVSEs:     make([]EVSEView, 0, len(s.evses)),
	}
	for _, evse := range s.evses {
		ev := EVSEView{
			ID:                evse.ID(),
			Power:             evse.Power(),
			AvailabilityState: evse.AvailabilityState(),
			IsAuthorized:      evse.IsAuthorized(),
			TransactionID:     evse.TransactionID(),
			Connectors:        make([]ConnectorView, 0, len(evse.Connectors())),
		}
		for _, connector := range evse.Connectors() {
			ev.Connectors = append(ev.Connectors, ConnectorView{
				ID:                connector.ID(),
				AvailabilityState: connector.AvailabilityState(),
			})
		}
		view.EVSEs = append(view.EVSEs, ev)
	}
	return view
}
