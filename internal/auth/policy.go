// Package auth decides who may do what. Roles come from the access token;
// handlers ask for capabilities, never for roles.
package auth

type Role string

const (
	RoleBuyer      Role = "buyer"
	RolePharmacist Role = "pharmacist"
	RoleAdmin      Role = "admin"
)

func ParseRole(s string) (Role, bool) {
	switch r := Role(s); r {
	case RoleBuyer, RolePharmacist, RoleAdmin:
		return r, true
	// the auth service issues "user" to customers
	case "user":
		return RoleBuyer, true
	}
	return "", false
}

type Capability int

const (
	CapPlaceOrder Capability = iota + 1
	CapViewOwnOrders
	CapCancelOwnOrder
	CapManageOrders
	CapRefundPayment
)

func (c Capability) String() string {
	switch c {
	case CapPlaceOrder:
		return "place_order"
	case CapViewOwnOrders:
		return "view_own_orders"
	case CapCancelOwnOrder:
		return "cancel_own_order"
	case CapManageOrders:
		return "manage_orders"
	case CapRefundPayment:
		return "refund_payment"
	}
	return "unknown"
}

var policy = map[Role]map[Capability]bool{
	RoleBuyer: {
		CapPlaceOrder:     true,
		CapViewOwnOrders:  true,
		CapCancelOwnOrder: true,
	},
	RolePharmacist: {
		CapPlaceOrder:     true,
		CapViewOwnOrders:  true,
		CapCancelOwnOrder: true,
		CapManageOrders:   true,
	},
	RoleAdmin: {
		CapPlaceOrder:     true,
		CapViewOwnOrders:  true,
		CapCancelOwnOrder: true,
		CapManageOrders:   true,
		CapRefundPayment:  true,
	},
}

func Can(r Role, c Capability) bool {
	return policy[r][c]
}
