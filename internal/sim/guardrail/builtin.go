package guardrail

import "villagesim.ai/internal/sim/model"

const (
	nightStartMinute = 22 * 60
	nightEndMinute   = 5 * 60
)

func BuiltinRules() []Rule {
	return []Rule{
		{
			Name:    "shop-requires-merchant",
			Actions: []model.ActionType{model.ActionShop},
			When:    func(c Context) bool { return c.Agent.Role != model.RoleMerchant },
			Outcome: OutcomeBlock,
			Reason:  "only merchants may run the shop",
		},
		{
			Name:      "farm-requires-farmer",
			Actions:   []model.ActionType{model.ActionFarm},
			When:      func(c Context) bool { return c.Agent.Role != model.RoleFarmer },
			Outcome:   OutcomeRewrite,
			RewriteTo: model.ActionObserve,
			Reason:    "only farmers work the fields",
		},
		{
			Name:      "night-observe-rests",
			Actions:   []model.ActionType{model.ActionObserve},
			When:      func(c Context) bool { return IsNight(c.Time.MinuteOfDay) },
			Outcome:   OutcomeRewrite,
			RewriteTo: model.ActionRest,
			Reason:    "villagers rest at night",
		},
	}
}

func IsNight(minuteOfDay int) bool {
	return minuteOfDay >= nightStartMinute || minuteOfDay < nightEndMinute
}
