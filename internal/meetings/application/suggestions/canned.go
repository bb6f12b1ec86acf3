package suggestions

import "context"

type cannedKey struct {
	meetingType string
	role        Role
	language    string
}

var canned = map[cannedKey][]string{
	{TypeInterview, RoleInterviewer, "en"}: {
		"Can you elaborate more on your experience with these types of projects?",
		"What were the biggest challenges you faced and how did you overcome them?",
		"How do you see yourself contributing to our team with these skills?",
	},
	{TypeInterview, RoleInterviewer, "ro"}: {
		"Puteți detalia mai mult despre experiența dvs. cu acest tip de proiecte?",
		"Care au fost cele mai mari provocări pe care le-ați întâmpinat și cum le-ați depășit?",
		"Cum vă vedeți contribuind la echipa noastră cu aceste competențe?",
	},
	{TypeInterview, RoleCandidate, "en"}: {
		"In my previous role, I was responsible for implementing similar solutions that improved efficiency by 30%.",
		"I have extensive experience in this field, working with modern technologies to solve complex problems.",
		"A concrete example would be Project X, where I led a team of 5 people to deliver the solution 2 weeks ahead of schedule.",
	},
	{TypeInterview, RoleCandidate, "ro"}: {
		"În rolul meu anterior, am fost responsabil pentru implementarea unor soluții similare care au îmbunătățit eficiența cu 30%.",
		"Am experiență extinsă în acest domeniu, lucrând cu tehnologii moderne pentru a rezolva probleme complexe.",
		"Un exemplu concret ar fi proiectul X, unde am condus o echipă de 5 persoane pentru a livra soluția cu 2 săptămâni înainte de termen.",
	},
	{TypeMeeting, RoleModerator, "en"}: {
		"Let's move to the next item on the agenda.",
		"Can we recap the decisions made so far and establish next steps?",
		"I'd like to hear everyone's opinion on the discussed proposal.",
	},
	{TypeMeeting, RoleModerator, "ro"}: {
		"Să trecem la următorul punct de pe agendă.",
		"Putem să recapitulăm deciziile luate până acum și să stabilim următorii pași?",
		"Aș dori să aud părerea fiecăruia despre propunerea discutată.",
	},
	{TypeMeeting, RoleParticipant, "en"}: {
		"From my perspective, we should prioritize performance improvements before adding new features.",
		"This might also affect the support team, so we should involve them in the discussion.",
		"I agree with the general idea, but I suggest implementing it in stages to minimize risks.",
	},
	{TypeMeeting, RoleParticipant, "ro"}: {
		"Din perspectiva mea, ar trebui să prioritizăm îmbunătățirea performanței înainte de a adăuga funcționalități noi.",
		"Acest aspect ar putea afecta și echipa de suport, așa că ar trebui să-i implicăm în discuție.",
		"Sunt de acord cu ideea generală, dar propun să o implementăm în etape pentru a minimiza riscurile.",
	},
}

// Canned returns fixed suggestions per meeting type, role and language.
// Roles that do not belong to the meeting type fall back to its lead role.
type Canned struct{}

func (Canned) Generate(_ context.Context, req Request) ([]string, error) {
	if out, ok := canned[cannedKey{req.MeetingType, req.Role, req.Language}]; ok {
		return append([]string(nil), out...), nil
	}
	lead := RoleInterviewer
	if req.MeetingType == TypeMeeting {
		lead = RoleModerator
		if req.Role == RoleCandidate {
			lead = RoleParticipant
		}
	} else if req.Role == RoleParticipant {
		lead = RoleCandidate
	}
	return append([]string(nil), canned[cannedKey{req.MeetingType, lead, req.Language}]...), nil
}
